package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"khatpos/internal/domain"
	"khatpos/internal/store"
)

type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     logrus.FieldLogger
}

// Client is the HTTP implementation of Authority. It logs in with the terminal's
// account on first use and once more whenever the server answers 401.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      logrus.FieldLogger

	mu    sync.Mutex
	token string
}

var _ Authority = (*Client)(nil)

func NewClient(baseURL string, username string, password string, opts ClientOptions) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid authority url %q", baseURL)
	}
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, errors.New("authority username and password are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL:  strings.TrimRight(parsed.String(), "/"),
		username: strings.TrimSpace(username),
		password: password,
		http:     opts.HTTPClient,
		log:      opts.Logger.WithField("component", "remote"),
	}, nil
}

func (c *Client) SubmitSale(ctx context.Context, sale domain.Sale) (domain.Ack, error) {
	var ack domain.Ack
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/sales", sale, &ack)
	return ack, err
}

func (c *Client) SubmitLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.Ack, error) {
	var ack domain.Ack
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/ledger-entries", entry, &ack)
	return ack, err
}

func (c *Client) FetchCustomer(ctx context.Context, phoneOrID string) (domain.Customer, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return domain.Customer{}, store.ErrNotFound
	}
	var customer domain.Customer
	err := c.do(ctx, http.MethodGet, "/api/v1/customers/"+url.PathEscape(key), nil, &customer)
	return customer, err
}

func (c *Client) FetchLedger(ctx context.Context, phoneOrID string) ([]domain.LedgerEntry, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return nil, store.ErrNotFound
	}
	var ledger domain.CustomerLedger
	if err := c.do(ctx, http.MethodGet, "/api/v1/customers/"+url.PathEscape(key)+"/ledger", nil, &ledger); err != nil {
		return nil, err
	}
	return ledger.Entries, nil
}

func (c *Client) FetchProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	err := c.do(ctx, http.MethodGet, "/api/v1/catalog/products", nil, &products)
	return products, err
}

func (c *Client) do(ctx context.Context, method string, path string, body any, dest any) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	status, payload, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log.Info("authority token rejected, logging in again")
		token, err = c.login(ctx)
		if err != nil {
			return err
		}
		status, payload, err = c.send(ctx, method, path, body, token)
		if err != nil {
			return err
		}
	}

	if err := statusError(status, payload); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method string, path string, body any, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, payload, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) (string, error) {
	status, payload, err := c.send(ctx, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{
		Username: c.username,
		Password: c.password,
	}, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		// Bad credentials are a transport-level failure for the sync engine: nothing
		// about the queued record is wrong.
		return "", fmt.Errorf("authority login failed: %s", errorMessage(status, payload))
	}

	var resp domain.LoginResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.AccessToken == "" {
		return "", errors.New("authority login returned no token")
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.mu.Unlock()
	return resp.AccessToken, nil
}

func statusError(status int, payload []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return store.ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, errorMessage(status, payload))
	default:
		return fmt.Errorf("authority returned %s", errorMessage(status, payload))
	}
}

func errorMessage(status int, payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return fmt.Sprintf("%d %s", status, body.Error)
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
