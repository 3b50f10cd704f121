package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotpay/backend/src/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func testClient(cfg Config) *Client {
	if cfg.Environment == "" {
		cfg.Environment = "sandbox"
	}
	return NewClient(cfg)
}

func TestBuildSTKPushPassword(t *testing.T) {
	c := testClient(Config{Shortcode: "174379", Passkey: "testpasskey"})

	req := c.BuildSTKPush("254712345678", 1012.10, "tx-1", "DotPay onramp", "https://api.example.com/cb")

	assert.Equal(t, "174379", req.BusinessShortCode)
	assert.Equal(t, "CustomerPayBillOnline", req.TransactionType)
	assert.Equal(t, 1013, req.Amount, "amount ceils to whole KES")
	assert.Equal(t, "254712345678", req.PartyA)
	assert.Equal(t, "174379", req.PartyB)
	assert.Equal(t, "254712345678", req.PhoneNumber)
	assert.Equal(t, "tx-1", req.AccountReference)

	decoded, err := base64.StdEncoding.DecodeString(req.Password)
	require.NoError(t, err)
	assert.Equal(t, "174379testpasskey"+req.Timestamp, string(decoded))
	_, err = time.Parse("20060102150405", req.Timestamp)
	assert.NoError(t, err)
}

func TestBuildSTKPushTruncatesAccountReference(t *testing.T) {
	c := testClient(Config{Shortcode: "174379", Passkey: "pk"})

	req := c.BuildSTKPush("254712345678", 10, "a-very-long-account-reference", "desc", "https://cb")
	assert.Len(t, req.AccountReference, 12)
}

func TestBuildSTKPushPrefersSTKShortcode(t *testing.T) {
	c := testClient(Config{Shortcode: "174379", STKShortcode: "600999", Passkey: "pk"})

	req := c.BuildSTKPush("254712345678", 10, "ref-1", "desc", "https://cb")
	assert.Equal(t, "600999", req.BusinessShortCode)
	assert.Equal(t, "600999", req.PartyB)
}

func TestBuildB2C(t *testing.T) {
	c := testClient(Config{Shortcode: "600000", InitiatorName: "apiop", SecurityCredential: "sec"})

	req := c.BuildB2C("254712345678", 1550, "DotPay offramp", "", "https://r", "https://t")

	assert.Equal(t, "BusinessPayment", req.CommandID)
	assert.Equal(t, "apiop", req.InitiatorName)
	assert.Equal(t, "600000", req.PartyA)
	assert.Equal(t, "254712345678", req.PartyB)
	assert.Equal(t, 1550, req.Amount)
	assert.NotEmpty(t, req.OriginatorConversationID)
	assert.Equal(t, "https://r", req.ResultURL)
	assert.Equal(t, "https://t", req.QueueTimeOutURL)
}

func TestBuildB2BIdentifierTypes(t *testing.T) {
	c := testClient(Config{Shortcode: "600000", InitiatorName: "apiop", SecurityCredential: "sec"})

	paybill := c.BuildB2B("888880", false, 500, "INV-42", "", "paybill settlement", "https://r", "https://t")
	assert.Equal(t, "BusinessPayBill", paybill.CommandID)
	assert.Equal(t, 4, paybill.SenderIdentifierType)
	assert.Equal(t, 4, paybill.RecieverIdentifierType)
	assert.Equal(t, "888880", paybill.PartyB)
	assert.Equal(t, "INV-42", paybill.AccountReference)

	buygoods := c.BuildB2B("123456", true, 500, "DotPay", "", "buygoods settlement", "https://r", "https://t")
	assert.Equal(t, "BusinessBuyGoods", buygoods.CommandID)
	assert.Equal(t, 2, buygoods.RecieverIdentifierType)
}

func TestBuildStatusQuery(t *testing.T) {
	c := testClient(Config{Shortcode: "600000", InitiatorName: "apiop", SecurityCredential: "sec"})

	req := c.BuildStatusQuery("NLJ41HAY6Q", "10571-7910404-1", "https://r", "https://t")
	assert.Equal(t, "TransactionStatusQuery", req.CommandID)
	assert.Equal(t, "NLJ41HAY6Q", req.TransactionID)
	assert.Equal(t, "10571-7910404-1", req.OriginatorConversationID)
	assert.Equal(t, 4, req.IdentifierType)
}

// providerStub fakes the OAuth and submission endpoints.
type providerStub struct {
	tokenCalls  int
	submitCalls int
	submitCode  int
	submitBody  map[string]any
	rejectFirst bool
}

func (p *providerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls++
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Basic ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": "3599"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.submitCalls++
		if p.rejectFirst && p.submitCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(p.submitCode)
		json.NewEncoder(w).Encode(p.submitBody)
	})
	return mux
}

func TestSubmitSTKPushAccepted(t *testing.T) {
	stub := &providerStub{
		submitCode: http.StatusOK,
		submitBody: map[string]any{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
		},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s", Shortcode: "174379", Passkey: "pk"})
	res, err := c.SubmitSTKPush(context.Background(), c.BuildSTKPush("254712345678", 100, "ref-1", "d", "https://cb"))
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, "0", res.ResponseCode)
	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)
	assert.Equal(t, 1, stub.tokenCalls)
}

func TestSubmitRejectedByProvider(t *testing.T) {
	stub := &providerStub{
		submitCode: http.StatusOK,
		submitBody: map[string]any{"ResponseCode": "1", "ResponseDescription": "Insufficient funds"},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s", Shortcode: "174379", Passkey: "pk"})
	res, err := c.SubmitSTKPush(context.Background(), c.BuildSTKPush("254712345678", 100, "ref-1", "d", "https://cb"))
	require.NoError(t, err)

	assert.False(t, res.Accepted, "non-zero ResponseCode is not accepted even on HTTP 200")
	assert.Equal(t, "1", res.ResponseCode)
}

func TestSubmitNon2xxNotAccepted(t *testing.T) {
	stub := &providerStub{
		submitCode: http.StatusInternalServerError,
		submitBody: map[string]any{"errorMessage": "Spike arrest violation"},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s", Shortcode: "174379", Passkey: "pk"})
	res, err := c.SubmitSTKPush(context.Background(), c.BuildSTKPush("254712345678", 100, "ref-1", "d", "https://cb"))
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, "Spike arrest violation", res.ResponseDescription)
}

func TestSubmitRetriesOnceAfter401(t *testing.T) {
	stub := &providerStub{
		submitCode:  http.StatusOK,
		submitBody:  map[string]any{"ResponseCode": "0", "ConversationID": "AG_1"},
		rejectFirst: true,
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s", Shortcode: "600000"})
	res, err := c.SubmitB2C(context.Background(), c.BuildB2C("254712345678", 100, "r", "", "https://r", "https://t"))
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, 2, stub.submitCalls)
	assert.Equal(t, 2, stub.tokenCalls, "401 invalidates the cached token")
}

func TestSubmitB2CBackfillsOriginatorConversationID(t *testing.T) {
	stub := &providerStub{
		submitCode: http.StatusOK,
		submitBody: map[string]any{"ResponseCode": "0"},
	}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s", Shortcode: "600000"})
	req := c.BuildB2C("254712345678", 100, "r", "", "https://r", "https://t")
	res, err := c.SubmitB2C(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, req.OriginatorConversationID, res.OriginatorConversationID)
}

func TestAccessTokenCached(t *testing.T) {
	stub := &providerStub{submitCode: http.StatusOK, submitBody: map[string]any{"ResponseCode": "0"}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := testClient(Config{BaseURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s"})
	tok1, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	tok2, err := c.AccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 1, stub.tokenCalls)

	c.InvalidateToken()
	_, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stub.tokenCalls)
}

func TestValidateSecurityCredential(t *testing.T) {
	assert.Error(t, ValidateSecurityCredential(""))
	assert.Error(t, ValidateSecurityCredential("short"))
	assert.Error(t, ValidateSecurityCredential(strings.Repeat("%", 200)))
	assert.NoError(t, ValidateSecurityCredential(base64.StdEncoding.EncodeToString(make([]byte, 256))))
}

func TestDeriveSecurityCredentialBundledSandboxCert(t *testing.T) {
	credential, err := DeriveSecurityCredential("Safaricom999!*!", "")
	require.NoError(t, err)
	assert.NoError(t, ValidateSecurityCredential(credential))
}

func TestDeriveSecurityCredentialRequiresPassword(t *testing.T) {
	_, err := DeriveSecurityCredential("", "")
	assert.Error(t, err)
}

func TestDeriveSecurityCredentialMissingCertFile(t *testing.T) {
	_, err := DeriveSecurityCredential("Safaricom999!*!", "/nonexistent/cert.cer")
	assert.Error(t, err)
}
