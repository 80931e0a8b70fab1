package newebpay

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Protocol versions per the NDNF-1.1.9 document; each operation carries its own.
const (
	mpgVersion           = "2.3"
	queryVersion         = "1.3"
	cancelAuthVersion    = "1.0"
	closeVersion         = "1.1"
	eWalletRefundVersion = "1.1"
)

// RespondType values accepted by every operation.
const (
	RespondJSON   = "JSON"
	RespondString = "String"
)

// Trade selectors for cancel/close: reference the trade either by our
// MerchantOrderNo or by the provider-issued TradeNo.
const (
	IndexByOrderNo = 1
	IndexByTradeNo = 2
)

// CloseType values for the close (request/refund funds) operation.
const (
	CloseTypeCapture = 1
	CloseTypeRefund  = 2
)

// Secrets holds the per-merchant key material. The HashKey/HashIV pair is
// issued by the provider and doubles as the AES key/IV for every message.
type Secrets struct {
	MerchantID string
	HashKey    string
	HashIV     string
}

// Endpoints holds the provider URLs for each operation.
type Endpoints struct {
	MPG           string
	Query         string
	Cancel        string
	Close         string
	EWalletRefund string
}

// Client implements the MPG front-stage form, notify verification and the
// back-stage query/cancel/close/refund calls. It is stateless apart from its
// configuration; all builders are pure functions of (secrets, params, clock).
type Client struct {
	secrets   Secrets
	endpoints Endpoints
	http      *http.Client
	timeout   time.Duration
	now       func() time.Time
}

func NewClient(secrets Secrets, endpoints Endpoints, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		secrets:   secrets,
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
		timeout:   timeout,
		now:       time.Now,
	}
}

// CheckoutForm describes one MPG checkout attempt.
type CheckoutForm struct {
	MerchantOrderNo string
	Amount          int
	ItemDesc        string
	NotifyURL       string
	ReturnURL       string
	CustomerURL     string
	ClientBackURL   string
	RespondType     string // RespondJSON (default) or RespondString
	LangType        string
	EnablePayments  map[string]int // e.g. {"CREDIT":1, "VACC":1, "WEBATM":1}
}

// CheckoutRequest is the outbound envelope: the MPG endpoint plus the ordered
// form fields to auto-submit from the payer's browser. It is derived and
// disposable, never persisted.
type CheckoutRequest struct {
	ActionURL string
	Fields    Values
}

// Notification is the raw envelope the provider posts to the notify URL.
type Notification struct {
	Status     string
	MerchantID string
	Version    string
	TradeInfo  string
	TradeSha   string
}

// BuildCheckout assembles the encrypted MPG form per doc 4.2.1: the inner
// trade fields are query-encoded, AES-encrypted into TradeInfo, and sealed
// with the TradeSha tag.
func (c *Client) BuildCheckout(form CheckoutForm) (*CheckoutRequest, error) {
	if form.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	respondType := form.RespondType
	if respondType == "" {
		respondType = RespondJSON
	}

	var inner Values
	inner.Add("MerchantID", c.secrets.MerchantID)
	inner.Add("RespondType", respondType)
	inner.Add("TimeStamp", strconv.FormatInt(c.now().Unix(), 10))
	inner.Add("Version", mpgVersion)
	inner.Add("MerchantOrderNo", form.MerchantOrderNo)
	inner.AddInt("Amt", form.Amount)
	inner.Add("ItemDesc", form.ItemDesc)
	// NotifyURL must differ from ReturnURL per the doc warning.
	inner.Add("NotifyURL", form.NotifyURL)
	if form.LangType != "" {
		inner.Add("LangType", form.LangType)
	}
	if form.ReturnURL != "" {
		inner.Add("ReturnURL", form.ReturnURL)
	}
	if form.CustomerURL != "" {
		inner.Add("CustomerURL", form.CustomerURL)
	}
	if form.ClientBackURL != "" {
		inner.Add("ClientBackURL", form.ClientBackURL)
	}
	for _, method := range sortedKeys(form.EnablePayments) {
		inner.AddInt(method, form.EnablePayments[method])
	}

	tradeInfoHex, err := EncryptHex([]byte(inner.Encode()), []byte(c.secrets.HashKey), []byte(c.secrets.HashIV))
	if err != nil {
		return nil, err
	}
	tradeSha := TradeSha(c.secrets.HashKey, c.secrets.HashIV, tradeInfoHex)

	var outer Values
	outer.Add("MerchantID", c.secrets.MerchantID)
	outer.Add("TradeInfo", tradeInfoHex)
	outer.Add("TradeSha", tradeSha)
	outer.Add("Version", mpgVersion)
	// EncryptType omitted: defaults to AES/CBC/PKCS7.

	return &CheckoutRequest{ActionURL: c.endpoints.MPG, Fields: outer}, nil
}

// VerifyNotify authenticates a posted notification and returns the decrypted
// trade fields. The tag is checked before any decryption; a mismatch reports
// ErrSignatureMismatch and nothing else is revealed. Structural failures
// after a valid tag report ErrMalformedPayload.
func (c *Client) VerifyNotify(n Notification) (map[string]string, error) {
	expected := TradeSha(c.secrets.HashKey, c.secrets.HashIV, n.TradeInfo)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(n.TradeSha)) != 1 {
		return nil, ErrSignatureMismatch
	}

	plain, err := DecryptHex(n.TradeInfo, []byte(c.secrets.HashKey), []byte(c.secrets.HashIV))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	fields := ParseQuery(string(plain))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty trade info", ErrMalformedPayload)
	}
	return fields, nil
}

// CheckValue computes the query check value per doc 4.1.6: the three fields
// Amt, MerchantID, MerchantOrderNo joined in key order, wrapped with the IV
// and Key, SHA256 upper-cased.
func (c *Client) CheckValue(merchantOrderNo string, amount int) string {
	joined := fmt.Sprintf("Amt=%d&MerchantID=%s&MerchantOrderNo=%s", amount, c.secrets.MerchantID, merchantOrderNo)
	raw := "IV=" + c.secrets.HashIV + "&" + joined + "&Key=" + c.secrets.HashKey
	sum := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// BuildQuery assembles the QueryTradeInfo post fields per doc 4.3.1.
func (c *Client) BuildQuery(merchantOrderNo string, amount int) (Values, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if merchantOrderNo == "" {
		return nil, fmt.Errorf("%w: merchant order no required", ErrInvalidSelector)
	}

	var fields Values
	fields.Add("MerchantID", c.secrets.MerchantID)
	fields.Add("Version", queryVersion)
	fields.Add("RespondType", RespondJSON)
	fields.Add("CheckValue", c.CheckValue(merchantOrderNo, amount))
	fields.Add("TimeStamp", strconv.FormatInt(c.now().Unix(), 10))
	fields.Add("MerchantOrderNo", merchantOrderNo)
	fields.AddInt("Amt", amount)
	return fields, nil
}

// CancelAuthParams selects the credit-card authorization to void.
type CancelAuthParams struct {
	Amount          int
	IndexType       int // IndexByOrderNo or IndexByTradeNo
	MerchantOrderNo string
	TradeNo         string
}

// BuildCancelAuth assembles the credit-card cancel payload per doc 4.4.1.
// The outer envelope is {MerchantID_, PostData_}; the cipher alone is the
// provider's trust boundary here, there is no separate tag.
func (c *Client) BuildCancelAuth(p CancelAuthParams) (Values, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var inner Values
	inner.Add("RespondType", RespondJSON)
	inner.Add("Version", cancelAuthVersion)
	inner.Add("TimeStamp", strconv.FormatInt(c.now().Unix(), 10))
	inner.AddInt("Amt", p.Amount)
	inner.AddInt("IndexType", p.IndexType)
	switch p.IndexType {
	case IndexByOrderNo:
		inner.Add("MerchantOrderNo", p.MerchantOrderNo)
	case IndexByTradeNo:
		if p.TradeNo == "" {
			return nil, fmt.Errorf("%w: trade no required when indexing by trade no", ErrInvalidSelector)
		}
		inner.Add("TradeNo", p.TradeNo)
	default:
		return nil, fmt.Errorf("%w: index type must be 1 or 2", ErrInvalidSelector)
	}

	return c.sealPostData(inner)
}

// CloseParams selects the trade to capture or refund funds for.
type CloseParams struct {
	Amount          int
	CloseType       int // CloseTypeCapture or CloseTypeRefund
	Cancel          bool
	IndexType       int
	MerchantOrderNo string
	TradeNo         string
}

// BuildClose assembles the credit-card close payload per doc 4.5.1.
func (c *Client) BuildClose(p CloseParams) (Values, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.IndexType == IndexByTradeNo && p.TradeNo == "" {
		return nil, fmt.Errorf("%w: trade no required when indexing by trade no", ErrInvalidSelector)
	}

	var inner Values
	inner.Add("RespondType", RespondJSON)
	inner.Add("Version", closeVersion)
	inner.AddInt("Amt", p.Amount)
	inner.Add("MerchantOrderNo", p.MerchantOrderNo)
	inner.Add("TimeStamp", strconv.FormatInt(c.now().Unix(), 10))
	inner.AddInt("IndexType", p.IndexType)
	inner.AddInt("CloseType", p.CloseType)
	if p.Cancel {
		inner.AddInt("Cancel", 1)
	}
	if p.IndexType == IndexByTradeNo {
		inner.Add("TradeNo", p.TradeNo)
	}

	return c.sealPostData(inner)
}

// RefundParams selects the e-wallet trade to refund.
type RefundParams struct {
	MerchantOrderNo string
	Amount          int
	PaymentType     string
}

// eWalletRefundData is serialized in declaration order; the provider expects
// JSON here rather than the query encoding used by every other operation.
type eWalletRefundData struct {
	MerchantOrderNo string `json:"MerchantOrderNo"`
	Amount          string `json:"Amount"`
	TimeStamp       string `json:"TimeStamp"`
	PaymentType     string `json:"PaymentType"`
}

// BuildEWalletRefund assembles the e-wallet refund payload per doc 4.6.1:
// {UID_, Version_, EncryptData_, RespondType_, HashData_} with the tag
// computed over the JSON-encrypted hex.
func (c *Client) BuildEWalletRefund(p RefundParams) (Values, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.MerchantOrderNo == "" {
		return nil, fmt.Errorf("%w: merchant order no required", ErrInvalidSelector)
	}

	raw, err := json.Marshal(eWalletRefundData{
		MerchantOrderNo: p.MerchantOrderNo,
		Amount:          strconv.Itoa(p.Amount),
		TimeStamp:       strconv.FormatInt(c.now().Unix(), 10),
		PaymentType:     p.PaymentType,
	})
	if err != nil {
		return nil, fmt.Errorf("newebpay: refund payload marshal: %w", err)
	}

	encryptHex, err := EncryptHex(raw, []byte(c.secrets.HashKey), []byte(c.secrets.HashIV))
	if err != nil {
		return nil, err
	}

	var fields Values
	fields.Add("UID_", c.secrets.MerchantID)
	fields.Add("Version_", eWalletRefundVersion)
	fields.Add("EncryptData_", encryptHex)
	fields.Add("RespondType_", RespondJSON)
	fields.Add("HashData_", TradeSha(c.secrets.HashKey, c.secrets.HashIV, encryptHex))
	return fields, nil
}

// ProviderResponse wraps a back-stage API reply. JSON is populated when the
// body parses as a JSON object (RespondType=JSON); Raw always carries the
// verbatim body so String-mode replies are not lost.
type ProviderResponse struct {
	JSON map[string]any
	Raw  string
}

// Query posts a QueryTradeInfo request.
func (c *Client) Query(ctx context.Context, merchantOrderNo string, amount int) (*ProviderResponse, error) {
	fields, err := c.BuildQuery(merchantOrderNo, amount)
	if err != nil {
		return nil, err
	}
	return c.postForm(ctx, c.endpoints.Query, fields)
}

// CancelAuth posts a credit-card cancel request.
func (c *Client) CancelAuth(ctx context.Context, p CancelAuthParams) (*ProviderResponse, error) {
	fields, err := c.BuildCancelAuth(p)
	if err != nil {
		return nil, err
	}
	return c.postForm(ctx, c.endpoints.Cancel, fields)
}

// Close posts a credit-card close (capture/refund) request.
func (c *Client) Close(ctx context.Context, p CloseParams) (*ProviderResponse, error) {
	fields, err := c.BuildClose(p)
	if err != nil {
		return nil, err
	}
	return c.postForm(ctx, c.endpoints.Close, fields)
}

// RefundEWallet posts an e-wallet refund request.
func (c *Client) RefundEWallet(ctx context.Context, p RefundParams) (*ProviderResponse, error) {
	fields, err := c.BuildEWalletRefund(p)
	if err != nil {
		return nil, err
	}
	return c.postForm(ctx, c.endpoints.EWalletRefund, fields)
}

func (c *Client) sealPostData(inner Values) (Values, error) {
	postDataHex, err := EncryptHex([]byte(inner.Encode()), []byte(c.secrets.HashKey), []byte(c.secrets.HashIV))
	if err != nil {
		return nil, err
	}
	var outer Values
	outer.Add("MerchantID_", c.secrets.MerchantID)
	outer.Add("PostData_", postDataHex)
	return outer, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, fields Values) (*ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(fields.Encode()))
	if err != nil {
		return nil, fmt.Errorf("newebpay: request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrTransport, resp.StatusCode, string(body))
	}

	out := &ProviderResponse{Raw: string(body)}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		out.JSON = parsed
	}
	return out, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
