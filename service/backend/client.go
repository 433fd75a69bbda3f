package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"marketsync/module/market/model"
	"marketsync/tools/decode"
	"marketsync/tools/errs"
	"marketsync/tools/ids"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the marketplace REST backend on behalf of one session.
type Client struct {
	baseURL    string
	httpClient *resty.Client

	mu         sync.RWMutex
	credential string
}

func NewClient(cfg Config, credential string) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "marketsync/1.0"
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", ua).
		SetTimeout(timeout)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		credential: strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "),
	}
}

func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = strings.TrimPrefix(strings.TrimSpace(credential), "Bearer ")
	c.mu.Unlock()
}

func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// request starts an authenticated API call tagged with a fresh request id.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(c.Credential()).
		SetHeader("X-Request-Id", ids.GenerateString())
}

type conversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type messageResponse struct {
	Message model.Message `json:"message"`
}

type ordersResponse struct {
	Orders []model.Order `json:"orders"`
}

type orderResponse struct {
	Order model.Order `json:"order"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func (c *Client) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	resp, err := c.request(ctx).Get("/messages/conversations")
	if err := classify(resp, err, "get conversations"); err != nil {
		return nil, err
	}
	out, err := decodeBody[conversationsResponse](resp, "get conversations")
	if err != nil {
		return nil, err
	}
	for i := range out.Conversations {
		if out.Conversations[i].UnreadCount < 0 {
			out.Conversations[i].UnreadCount = 0
		}
	}
	return out.Conversations, nil
}

func (c *Client) GetConversation(ctx context.Context, peerID string) ([]model.Message, error) {
	resp, err := c.request(ctx).
		SetPathParam("peerId", peerID).
		Get("/messages/conversations/{peerId}")
	if err := classify(resp, err, "get conversation"); err != nil {
		return nil, err
	}
	out, err := decodeBody[messagesResponse](resp, "get conversation")
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a draft. Drafts with attachments go out as multipart
// form data, plain text as JSON.
func (c *Client) SendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	req := c.request(ctx)
	if len(d.Attachments) == 0 {
		req.SetBody(map[string]string{
			"receiverId": d.ReceiverID,
			"content":    d.Content,
			"orderId":    d.OrderID,
		})
	} else {
		req.SetFormData(map[string]string{
			"receiverId": d.ReceiverID,
			"content":    d.Content,
			"orderId":    d.OrderID,
		})
		for _, a := range d.Attachments {
			ct := a.ContentType
			if ct == "" {
				ct = mimetype.Detect(a.Data).String()
			}
			req.SetMultipartField("attachments", a.Filename, ct, bytes.NewReader(a.Data))
		}
	}

	resp, err := req.Post("/messages")
	if err := classify(resp, err, "send message"); err != nil {
		return model.Message{}, err
	}
	out, err := decodeBody[messageResponse](resp, "send message")
	if err != nil {
		return model.Message{}, err
	}
	return out.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	resp, err := c.request(ctx).
		SetPathParam("peerId", peerID).
		Put("/messages/conversations/{peerId}/read")
	return classify(resp, err, "mark read")
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", messageID).
		Delete("/messages/{id}")
	return classify(resp, err, "delete message")
}

// SignedAttachmentURL asks the backend for a short-lived direct URL.
func (c *Client) SignedAttachmentURL(ctx context.Context, messageID string, index int) (string, error) {
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{"id": messageID, "index": fmt.Sprint(index)}).
		Get("/messages/{id}/attachments/{index}/signed-url")
	if err := classify(resp, err, "signed url"); err != nil {
		return "", err
	}
	out, err := decodeBody[urlResponse](resp, "signed url")
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errs.ErrNotFound.WrapMsg("signed url missing", "message", messageID, "index", index)
	}
	return out.URL, nil
}

// ProxyAttachmentURL builds the authenticated proxy URL. The credential rides
// in the query string because the URL may be handed to a viewer as-is.
func (c *Client) ProxyAttachmentURL(messageID string, index int) string {
	q := url.Values{}
	q.Set("token", c.Credential())
	return fmt.Sprintf("%s/messages/%s/attachments/%d/proxy?%s",
		c.baseURL, url.PathEscape(messageID), index, q.Encode())
}

// Fetched is a downloaded blob.
type Fetched struct {
	Data        []byte
	ContentType string
}

// FetchURL downloads an absolute URL without the API credential.
func (c *Client) FetchURL(ctx context.Context, rawURL string) (Fetched, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(rawURL)
	if err := classify(resp, err, "fetch url"); err != nil {
		return Fetched{}, err
	}
	return Fetched{Data: resp.Body(), ContentType: resp.Header().Get("Content-Type")}, nil
}

func (c *Client) GetOrders(ctx context.Context, role model.Role) ([]model.Order, error) {
	resp, err := c.request(ctx).
		SetQueryParam("role", string(role)).
		Get("/orders")
	if err := classify(resp, err, "get orders"); err != nil {
		return nil, err
	}
	out, err := decodeBody[ordersResponse](resp, "get orders")
	if err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status model.Status) (model.Order, error) {
	resp, err := c.request(ctx).
		SetPathParam("id", orderID).
		SetBody(map[string]string{"status": string(status)}).
		Put("/orders/{id}/status")
	if err := classify(resp, err, "update order status"); err != nil {
		return model.Order{}, err
	}
	out, err := decodeBody[orderResponse](resp, "update order status")
	if err != nil {
		return model.Order{}, err
	}
	return out.Order, nil
}

// CancelOrder cancels as buyer or rejects as seller, depending on role.
func (c *Client) CancelOrder(ctx context.Context, orderID string, role model.Role, reason string) (model.Order, error) {
	path := "/orders/{id}/cancel"
	if role == model.RoleSeller {
		path = "/orders/{id}/reject"
	}
	resp, err := c.request(ctx).
		SetPathParam("id", orderID).
		SetBody(map[string]string{"reason": reason}).
		Put(path)
	if err := classify(resp, err, "cancel order"); err != nil {
		return model.Order{}, err
	}
	out, err := decodeBody[orderResponse](resp, "cancel order")
	if err != nil {
		return model.Order{}, err
	}
	return out.Order, nil
}

// decodeBody decodes leniently: ids may arrive as numbers, money as strings.
func decodeBody[T any](resp *resty.Response, op string) (*T, error) {
	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return new(T), nil
	}
	out, err := decode.JSON[T](body)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg(op+": bad response body", "err", err)
	}
	return out, nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func serverMessage(resp *resty.Response) string {
	var b errorBody
	if err := json.Unmarshal(resp.Body(), &b); err == nil {
		if b.Message != "" {
			return b.Message
		}
		if b.Error != "" {
			return b.Error
		}
	}
	s := strings.TrimSpace(resp.String())
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
