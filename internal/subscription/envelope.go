package subscription

// Envelope is one server-to-client frame. Type drives the client-side
// dispatch; the remaining fields are populated per type.
type Envelope struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
	Provider  string      `json:"provider,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Envelope types.
const (
	TypeStatus          = "status"
	TypeError           = "error"
	TypeData            = "data"
	TypeUpdate          = "update"
	TypeTradeUpdate     = "trade_update"
	TypeBookUpdate      = "book_update"
	TypeUserOrderUpdate = "user_order_update"
	TypePing            = "ping"
)

// Critical reports whether the frame must never be shed by backpressure.
// Snapshots, acks and errors survive; live updates may be dropped.
func (e Envelope) Critical() bool {
	switch e.Type {
	case TypeStatus, TypeError, TypeData:
		return true
	default:
		return false
	}
}

// OHLCVPayload is the charting payload: parallel [t,o,h,l,c] and [t,v]
// arrays.
type OHLCVPayload struct {
	OHLC         [][5]float64 `json:"ohlc"`
	Volume       [][2]float64 `json:"volume"`
	InitialBatch bool         `json:"initial_batch"`
}

type messagePayload struct {
	Message string `json:"message"`
}

func statusEnvelope(message string) Envelope {
	return Envelope{Type: TypeStatus, Payload: messagePayload{Message: message}}
}

func errorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Payload: messagePayload{Message: message}}
}
