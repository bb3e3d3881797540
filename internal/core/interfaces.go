package core

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected tag for transmitting pseudo-APDUs
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(disposition uint32) error
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// Reader is a PC/SC reader visible to the agent.
type Reader struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}
