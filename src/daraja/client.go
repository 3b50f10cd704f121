package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/security/validation"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	stkPath    = "/mpesa/stkpush/v1/processrequest"
	b2cPath    = "/mpesa/b2c/v1/paymentrequest"
	b2bPath    = "/mpesa/b2b/v1/paymentrequest"
	statusPath = "/mpesa/transactionstatus/v1/query"

	defaultHTTPTimeout = 30 * time.Second
)

// Config is the provider wiring for the client.
type Config struct {
	Environment        string // sandbox | production
	BaseURL            string // optional override
	ConsumerKey        string
	ConsumerSecret     string
	Passkey            string
	Shortcode          string
	STKShortcode       string
	B2CShortcode       string
	B2BShortcode       string
	InitiatorName      string
	SecurityCredential string
	B2BPaybillType     int
	B2BBuygoodsType    int
	Timeout            time.Duration
}

// Client talks to the mobile-money provider.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	tokens     tokenCache
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Environment == "production" {
			baseURL = productionBaseURL
		} else {
			baseURL = sandboxBaseURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if cfg.B2BPaybillType == 0 {
		cfg.B2BPaybillType = 4
	}
	if cfg.B2BBuygoodsType == 0 {
		cfg.B2BBuygoodsType = 2
	}
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) stkShortcode() string {
	if c.cfg.STKShortcode != "" {
		return c.cfg.STKShortcode
	}
	return c.cfg.Shortcode
}

func (c *Client) b2cShortcode() string {
	if c.cfg.B2CShortcode != "" {
		return c.cfg.B2CShortcode
	}
	return c.cfg.Shortcode
}

func (c *Client) b2bShortcode() string {
	if c.cfg.B2BShortcode != "" {
		return c.cfg.B2BShortcode
	}
	return c.cfg.Shortcode
}

// BuildSTKPush assembles the C2B push payload. Amount is ceiled to whole KES.
func (c *Client) BuildSTKPush(msisdn string, amountKes float64, accountRef, desc, callbackURL string) STKPushRequest {
	shortcode := c.stkShortcode()
	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(shortcode + c.cfg.Passkey + timestamp))
	return STKPushRequest{
		BusinessShortCode: shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            int(math.Ceil(amountKes)),
		PartyA:            msisdn,
		PartyB:            shortcode,
		PhoneNumber:       msisdn,
		CallBackURL:       callbackURL,
		AccountReference:  validation.TruncateForSTK(accountRef, validation.MaxSTKAccountRefLength),
		TransactionDesc:   validation.TruncateForSTK(desc, validation.MaxSTKDescLength),
	}
}

// BuildB2C assembles the consumer-payout payload.
func (c *Client) BuildB2C(msisdn string, amountKes float64, remarks, occasion, resultURL, timeoutURL string) B2CRequest {
	return B2CRequest{
		OriginatorConversationID: uuid.New().String(),
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                "BusinessPayment",
		Amount:                   int(math.Ceil(amountKes)),
		PartyA:                   c.b2cShortcode(),
		PartyB:                   msisdn,
		Remarks:                  remarks,
		QueueTimeOutURL:          timeoutURL,
		ResultURL:                resultURL,
		Occasion:                 occasion,
	}
}

// BuildB2B assembles the merchant-settlement payload. Paybill targets use
// receiver identifier type 4 (shortcode); buygoods use 2 (till).
func (c *Client) BuildB2B(receiver string, buygoods bool, amountKes float64, accountRef, requester, remarks, resultURL, timeoutURL string) B2BRequest {
	receiverType := c.cfg.B2BPaybillType
	commandID := "BusinessPayBill"
	if buygoods {
		receiverType = c.cfg.B2BBuygoodsType
		commandID = "BusinessBuyGoods"
	}
	return B2BRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              commandID,
		SenderIdentifierType:   4,
		RecieverIdentifierType: receiverType,
		Amount:                 int(math.Ceil(amountKes)),
		PartyA:                 c.b2bShortcode(),
		PartyB:                 receiver,
		AccountReference:       accountRef,
		Requester:              requester,
		Remarks:                remarks,
		QueueTimeOutURL:        timeoutURL,
		ResultURL:              resultURL,
	}
}

// BuildStatusQuery assembles a TransactionStatusQuery for the reconciler.
func (c *Client) BuildStatusQuery(providerTxID, originatorConversationID, resultURL, timeoutURL string) StatusQueryRequest {
	return StatusQueryRequest{
		Initiator:                c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                "TransactionStatusQuery",
		TransactionID:            providerTxID,
		OriginatorConversationID: originatorConversationID,
		PartyA:                   c.cfg.Shortcode,
		IdentifierType:           4,
		ResultURL:                resultURL,
		QueueTimeOutURL:          timeoutURL,
		Remarks:                  "Status query",
	}
}

// SubmitSTKPush submits a C2B push and classifies the synchronous response.
func (c *Client) SubmitSTKPush(ctx context.Context, req STKPushRequest) (*SubmitResult, error) {
	return c.submit(ctx, stkPath, req)
}

// SubmitB2C submits a consumer payout.
func (c *Client) SubmitB2C(ctx context.Context, req B2CRequest) (*SubmitResult, error) {
	res, err := c.submit(ctx, b2cPath, req)
	if res != nil && res.OriginatorConversationID == "" {
		res.OriginatorConversationID = req.OriginatorConversationID
	}
	return res, err
}

// SubmitB2B submits a merchant settlement.
func (c *Client) SubmitB2B(ctx context.Context, req B2BRequest) (*SubmitResult, error) {
	return c.submit(ctx, b2bPath, req)
}

// SubmitStatusQuery issues a TransactionStatusQuery.
func (c *Client) SubmitStatusQuery(ctx context.Context, req StatusQueryRequest) (*SubmitResult, error) {
	return c.submit(ctx, statusPath, req)
}

// submit posts the payload with a bearer token, retrying once on 401 after a
// token refresh, and classifies the result: accepted iff HTTP 2xx and
// ResponseCode == "0".
func (c *Client) submit(ctx context.Context, path string, payload any) (*SubmitResult, error) {
	result, status, err := c.post(ctx, path, payload)
	if status == http.StatusUnauthorized {
		logger.L.Warn("Daraja request unauthorized, refreshing token and retrying", "path", path)
		c.InvalidateToken()
		result, status, err = c.post(ctx, path, payload)
	}
	if err != nil {
		return nil, err
	}
	return classify(result, status), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (map[string]any, int, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode provider payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, apperrors.External("failed to build provider request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperrors.External("provider request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, apperrors.External("failed to read provider response: %v", err)
	}
	result := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			result = map[string]any{"unparsed": string(raw)}
		}
	}
	return result, resp.StatusCode, nil
}

func classify(raw map[string]any, status int) *SubmitResult {
	res := &SubmitResult{
		HTTPStatus: status,
		Raw:        raw,
	}
	res.MerchantRequestID, _ = raw["MerchantRequestID"].(string)
	res.CheckoutRequestID, _ = raw["CheckoutRequestID"].(string)
	res.ConversationID, _ = raw["ConversationID"].(string)
	res.OriginatorConversationID, _ = raw["OriginatorConversationID"].(string)
	code, _ := ParseResultCode(raw["ResponseCode"])
	res.ResponseCode = code
	if desc, ok := raw["ResponseDescription"].(string); ok {
		res.ResponseDescription = desc
	} else if desc, ok := raw["errorMessage"].(string); ok {
		res.ResponseDescription = desc
	}
	res.Accepted = status >= 200 && status < 300 && res.ResponseCode == "0"
	return res
}
