package daraja

import (
	"fmt"
	"strconv"
	"strings"
)

// STKPushRequest is the C2B push payload (Lipa Na M-Pesa Online).
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// B2CRequest is the business-to-consumer disbursement payload.
type B2CRequest struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int    `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

// B2BRequest is the business-to-business settlement payload.
// The Reciever spelling is the provider's, not ours.
type B2BRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	SenderIdentifierType   int    `json:"SenderIdentifierType"`
	RecieverIdentifierType int    `json:"RecieverIdentifierType"`
	Amount                 int    `json:"Amount"`
	PartyA                 string `json:"PartyA"`
	PartyB                 string `json:"PartyB"`
	AccountReference       string `json:"AccountReference"`
	Requester              string `json:"Requester,omitempty"`
	Remarks                string `json:"Remarks"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	ResultURL              string `json:"ResultURL"`
}

// StatusQueryRequest asks the provider for the final state of a transaction.
type StatusQueryRequest struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	TransactionID            string `json:"TransactionID"`
	OriginatorConversationID string `json:"OriginatorConversationID,omitempty"`
	PartyA                   string `json:"PartyA"`
	IdentifierType           int    `json:"IdentifierType"`
	ResultURL                string `json:"ResultURL"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	Remarks                  string `json:"Remarks"`
	Occasion                 string `json:"Occasion,omitempty"`
}

// SubmitResult is the classified synchronous provider response.
type SubmitResult struct {
	Accepted                 bool
	HTTPStatus               int
	MerchantRequestID        string
	CheckoutRequestID        string
	ConversationID           string
	OriginatorConversationID string
	ResponseCode             string
	ResponseDescription      string
	Raw                      map[string]any
}

// ParseResultCode extracts a provider result code as both the raw string and,
// when numeric, the parsed integer. Providers sometimes return non-numeric
// codes, so both forms are preserved.
func ParseResultCode(v any) (raw string, parsed *int) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		raw = strings.TrimSpace(val)
	case float64:
		if val == float64(int(val)) {
			raw = strconv.Itoa(int(val))
		} else {
			raw = fmt.Sprintf("%v", val)
		}
	case int:
		raw = strconv.Itoa(val)
	default:
		raw = fmt.Sprintf("%v", val)
	}
	if n, err := strconv.Atoi(raw); err == nil {
		parsed = &n
	}
	return raw, parsed
}

// STKCallback is the provider's asynchronous STK result envelope.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        any    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ReceiptNumber extracts MpesaReceiptNumber from the callback metadata.
func (c *STKCallback) ReceiptNumber() string {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// CallbackResult is the inner Result object of B2C/B2B callbacks.
type CallbackResult struct {
	ResultType               any    `json:"ResultType"`
	ResultCode               any    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
	ResultParameters         struct {
		ResultParameter []struct {
			Key   string `json:"Key"`
			Value any    `json:"Value"`
		} `json:"ResultParameter"`
	} `json:"ResultParameters"`
}

// ResultCallback is the shared B2C/B2B result and timeout envelope.
type ResultCallback struct {
	Result CallbackResult `json:"Result"`
}

// ReceiptNumber extracts the transaction receipt from the result parameters,
// falling back to the top-level TransactionID.
func (c *ResultCallback) ReceiptNumber() string {
	for _, p := range c.Result.ResultParameters.ResultParameter {
		if p.Key == "TransactionReceipt" {
			if s, ok := p.Value.(string); ok {
				return s
			}
		}
	}
	return c.Result.TransactionID
}

// Ack is the body every webhook returns so the provider stops retrying.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AcceptedAck is the canonical webhook acknowledgement.
var AcceptedAck = Ack{ResultCode: 0, ResultDesc: "Accepted"}
