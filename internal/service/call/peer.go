package call

// PeerState is the media transport's view of an established call. A nil
// state pushed through OnStateChange means the transport tore down.
type PeerState struct {
	Connected bool
	MicMuted  bool
	SpeakerOn bool
}

// PeerConnection abstracts the WebRTC transport a session drives. The
// session never touches media directly; it only reacts to state changes
// and forwards user toggles.
type PeerConnection interface {
	// Connect dials the remote peer using the given ICE server URLs.
	Connect(iceServers []string) error
	// Close releases the transport. Idempotent.
	Close() error
	ToggleMute() error
	ToggleSpeaker() error
	// OnStateChange registers the single state callback. The transport
	// calls it with nil once the connection is gone.
	OnStateChange(fn func(*PeerState))
}
