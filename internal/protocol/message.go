package protocol

import "time"

// Message type tags carried in the wire envelope's "type" field.
const (
	TypeLogin              = "login"
	TypeLoginAck           = "login_ack"
	TypeLoginFailed        = "login_failed"
	TypeCustomService      = "custom_service"
	TypeCustomServiceAck   = "custom_service_ack"
	TypeCustomServiceReady = "custom_service_ready"
	TypeText               = "txt"
	TypeHeartbeat          = "heartbeat"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeLogout             = "logout"
	TypeHistory            = "history"
	TypeHistoryAck         = "history_ack"
)

// Reply status codes.
const (
	StatusOK       = 200
	StatusBadMsg   = 400
	StatusNotFound = 404
	StatusError    = 500
)

// Message is one concrete variant of the closed protocol message set.
type Message interface {
	Type() string
}

// Login requests registration of the sender under a claimed identity.
type Login struct {
	UID  int64  `json:"uid"`
	Name string `json:"name"`
}

func (*Login) Type() string { return TypeLogin }

// LoginAck acknowledges a successful login. Outbound only.
type LoginAck struct {
	Status int `json:"status"`
}

func (*LoginAck) Type() string { return TypeLoginAck }

// LoginFailed rejects a login with a reason. Outbound only.
type LoginFailed struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

func (*LoginFailed) Type() string { return TypeLoginFailed }

// CustomService asks the server to pair the sender with an available
// custom-service agent. Carries no body.
type CustomService struct{}

func (*CustomService) Type() string { return TypeCustomService }

// CustomServiceAck tells the requester which agent it was paired with,
// or carries a not-found status when the pool is empty. Outbound only.
type CustomServiceAck struct {
	Status int    `json:"status"`
	UID    int64  `json:"uid,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (*CustomServiceAck) Type() string { return TypeCustomServiceAck }

// CustomServiceReady notifies an agent that a customer was bound to it.
// Outbound only, server to agent.
type CustomServiceReady struct {
	UID  int64  `json:"uid"`
	Name string `json:"name"`
}

func (*CustomServiceReady) Type() string { return TypeCustomServiceReady }

// Text is a chat message routed between paired connections. Timestamp is
// assigned by the server when the sender did not provide one.
type Text struct {
	Sender    int64  `json:"sndr"`
	Receiver  int64  `json:"recv"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (*Text) Type() string { return TypeText }

// Heartbeat renews the sender's inactivity timer.
type Heartbeat struct {
	UID int64 `json:"uid"`
}

func (*Heartbeat) Type() string { return TypeHeartbeat }

// HeartbeatAck is sent back for client-side liveness detection. Outbound
// only, no body.
type HeartbeatAck struct{}

func (*HeartbeatAck) Type() string { return TypeHeartbeatAck }

// Logout evicts the sender explicitly.
type Logout struct {
	UID int64 `json:"uid"`
}

func (*Logout) Type() string { return TypeLogout }

// History requests a page of stored chat history for a recipient.
type History struct {
	UID    int64 `json:"uid"`
	Offset int   `json:"offset"`
	Count  int   `json:"count"`
}

func (*History) Type() string { return TypeHistory }

// HistoryAck carries one page of stored messages. Outbound only.
type HistoryAck struct {
	Status   int    `json:"status"`
	Messages []Text `json:"msgs"`
}

func (*HistoryAck) Type() string { return TypeHistoryAck }

// factory builds one inbound variant from a decoded body map. Construction
// is all-or-nothing: any missing or mistyped required field fails the whole
// message.
type factory func(body map[string]any) (Message, error)

// factories is the static registry of inbound variants, keyed by type tag.
// Outbound-only variants (acks, ready notifications) are deliberately
// absent: they are never decoded from the wire.
var factories = map[string]factory{
	TypeLogin: func(body map[string]any) (Message, error) {
		uid, err := intField(body, "uid")
		if err != nil {
			return nil, err
		}
		name, err := stringField(body, "name")
		if err != nil {
			return nil, err
		}
		return &Login{UID: uid, Name: name}, nil
	},
	TypeCustomService: func(map[string]any) (Message, error) {
		return &CustomService{}, nil
	},
	TypeText: func(body map[string]any) (Message, error) {
		sender, err := intField(body, "sndr")
		if err != nil {
			return nil, err
		}
		receiver, err := intField(body, "recv")
		if err != nil {
			return nil, err
		}
		content, err := stringField(body, "content")
		if err != nil {
			return nil, err
		}
		ts, err := optionalIntField(body, "timestamp")
		if err != nil {
			return nil, err
		}
		if ts == 0 {
			ts = time.Now().Unix()
		}
		return &Text{Sender: sender, Receiver: receiver, Content: content, Timestamp: ts}, nil
	},
	TypeHeartbeat: func(body map[string]any) (Message, error) {
		uid, err := intField(body, "uid")
		if err != nil {
			return nil, err
		}
		return &Heartbeat{UID: uid}, nil
	},
	TypeLogout: func(body map[string]any) (Message, error) {
		uid, err := intField(body, "uid")
		if err != nil {
			return nil, err
		}
		return &Logout{UID: uid}, nil
	},
	TypeHistory: func(body map[string]any) (Message, error) {
		uid, err := intField(body, "uid")
		if err != nil {
			return nil, err
		}
		offset, err := optionalIntField(body, "offset")
		if err != nil {
			return nil, err
		}
		count, err := optionalIntField(body, "count")
		if err != nil {
			return nil, err
		}
		return &History{UID: uid, Offset: int(offset), Count: int(count)}, nil
	},
}
