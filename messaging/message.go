package messaging

import (
	"io"
)

// Header defines all the header interfaces required by the messaging clients
type Header interface {
	// SetHeader sets the byte header value for the Message header
	SetHeader(key string, value []byte)
	// SetStrHeader sets the string header value for the Message header
	SetStrHeader(key string, value string)

	// GetHeader returns the value of the key set in the headers if exists in the byte[] value
	GetHeader(key string) (value []byte, exists bool)
	// GetStrHeader returns the value of the key set in the headers if exists in the string value
	GetStrHeader(key string) (value string, exists bool)
}

// Body defines all the body interfaces required by the body of the messaging client
type Body interface {
	// SetBodyStr sets the string body to the Message structure
	SetBodyStr(in string) (int, error)
	// SetBodyBytes sets the byte[] body to the Message structure
	SetBodyBytes(int []byte) (int, error)
	// SetFrom sets the Reader body to the Message structure
	SetFrom(content io.Reader) (int64, error)
	// WriteJSON sets the JSON body to the Message structure
	WriteJSON(int interface{}) error
	// WriteContent sets the custom body type based on the contentType to the Message structure
	WriteContent(in interface{}, contentType string) error

	// ReadBody reads the Reader body from the Message structure
	ReadBody() io.Reader
	// ReadBytes reads the []byte body from the Message structure
	ReadBytes() []byte
	// ReadAsStr reads the string body from the Message structure
	ReadAsStr() string
	// ReadJSON reads the JSON body from the Message structure
	ReadJSON(out interface{}) error
	// ReadContent reads the content body based on the contentType from the Message structure
	ReadContent(out interface{}, contentType string) error
}

// Message interface wil be implemented by all third party implementation such as
//aws - sns, sqs,
//gcp -> pub/sub, gcm,
//messaging -> amqp, kafka
type Message interface {
	Header
	Body
	// Rsvp function provides a facade to acknowledge the message to the provider indicating the acceptance or rejection
	//as mentioned by the first bool parameter.
	//Additional options can be set for indicating further actions.
	//This functionality is purely dependent on the capability of the provider to accept an acknowledgement.
	Rsvp(bool, ...Option) error
}
