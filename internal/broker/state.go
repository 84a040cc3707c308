package broker

// State is a Consumer lifecycle state.
type State int

// Consumer states. A session moves Connecting → ChannelsOpening → Consuming
// and ends in Cancelling, ChannelClosed or ConnectionClosed, after which the
// consumer goes to Reconnecting and starts over. Stopped is terminal.
const (
	Disconnected State = iota
	Connecting
	ChannelsOpening
	Consuming
	Cancelling
	ChannelClosed
	ConnectionClosed
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ChannelsOpening:
		return "channels_opening"
	case Consuming:
		return "consuming"
	case Cancelling:
		return "cancelling"
	case ChannelClosed:
		return "channel_closed"
	case ConnectionClosed:
		return "connection_closed"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
