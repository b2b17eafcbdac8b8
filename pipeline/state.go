package pipeline

type State int

const (
	Starting State = iota
	Resuming
	Streaming
	Draining
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Resuming:
		return "RESUMING"
	case Streaming:
		return "STREAMING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}
