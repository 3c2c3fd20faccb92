package framing

// MessageConn is a transport that preserves message boundaries. *websocket.Conn from
// github.com/gorilla/websocket satisfies it.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Messages maps one frame to one transport message. It performs no framing of its own.
type Messages struct {
	conn        MessageConn
	messageType int
}

// NewMessages creates a message-mode framer. Outgoing frames are written with the given
// transport message type; incoming messages of any type are returned as frames.
func NewMessages(conn MessageConn, messageType int) *Messages {
	return &Messages{conn: conn, messageType: messageType}
}

// WriteFrame writes the frame as a single transport message.
func (m *Messages) WriteFrame(frame []byte) error {
	return m.conn.WriteMessage(m.messageType, frame)
}

// ReadFrame returns the next transport message. The transport is expected to report a
// clean close as io.EOF.
func (m *Messages) ReadFrame() ([]byte, error) {
	_, p, err := m.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return p, nil
}
