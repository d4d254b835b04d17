package channel

// CommandListener receives the replies to one outbound command. Exactly one
// of Result or Terminated is called, unless the token was canceled.
type CommandListener interface {
	Progress(token *Token, data []byte)
	Result(token *Token, data []byte)
	Terminated(token *Token, err error)
}

// CommandServer handles inbound commands for one service. It must answer
// through SendResult or RejectCommand.
type CommandServer interface {
	Command(token *Token, name string, data []byte)
}

// EventListener receives events of one service.
type EventListener interface {
	Event(name string, data []byte)
}

// ChannelListener observes channel lifecycle and congestion.
type ChannelListener interface {
	OnChannelOpened()
	OnChannelClosed(err error)
	CongestionLevel(level int)
}

// Proxy takes over a channel in raw-proxy mode.
type Proxy interface {
	OnCommand(token *Token, service, name string, data []byte)
	OnEvent(service, name string, data []byte)
	OnChannelClosed(err error)
}

// Listeners are removed by identity, so the adapters below are used by pointer.

type CommandListenerFuncs struct {
	OnProgress   func(token *Token, data []byte)
	OnResult     func(token *Token, data []byte)
	OnTerminated func(token *Token, err error)
}

func (l *CommandListenerFuncs) Progress(token *Token, data []byte) {
	if l.OnProgress != nil {
		l.OnProgress(token, data)
	}
}

func (l *CommandListenerFuncs) Result(token *Token, data []byte) {
	if l.OnResult != nil {
		l.OnResult(token, data)
	}
}

func (l *CommandListenerFuncs) Terminated(token *Token, err error) {
	if l.OnTerminated != nil {
		l.OnTerminated(token, err)
	}
}

type EventListenerFuncs struct {
	OnEvent func(name string, data []byte)
}

func (l *EventListenerFuncs) Event(name string, data []byte) {
	if l.OnEvent != nil {
		l.OnEvent(name, data)
	}
}

type ChannelListenerFuncs struct {
	OnOpened     func()
	OnClosed     func(err error)
	OnCongestion func(level int)
}

func (l *ChannelListenerFuncs) OnChannelOpened() {
	if l.OnOpened != nil {
		l.OnOpened()
	}
}

func (l *ChannelListenerFuncs) OnChannelClosed(err error) {
	if l.OnClosed != nil {
		l.OnClosed(err)
	}
}

func (l *ChannelListenerFuncs) CongestionLevel(level int) {
	if l.OnCongestion != nil {
		l.OnCongestion(level)
	}
}

type discardListener struct{}

func (discardListener) Progress(*Token, []byte)  {}
func (discardListener) Result(*Token, []byte)    {}
func (discardListener) Terminated(*Token, error) {}
