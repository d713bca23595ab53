package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/foxzi/campaigner/internal/message"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
)

// TokenRefresher is implemented by the OAuth managers
type TokenRefresher interface {
	Fresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, bool, error)
	Refresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, error)
}

type sendFunc func(ctx context.Context, accessToken string) (string, error)

// sendWithToken runs send with a token valid for at least oauth.RefreshSkew.
// An authentication failure with a refresh token available triggers one
// refresh and a single retry.
func sendWithToken(ctx context.Context, tokens TokenRefresher, acc *models.Account, logger *slog.Logger, send sendFunc) (*SendResult, error) {
	if acc.Token == nil {
		return nil, &AccountNotConnectedError{Email: acc.Email, Type: acc.Type}
	}

	tok, refreshed, err := tokens.Fresh(ctx, acc.Email, acc.Token)
	if err != nil {
		return nil, err
	}
	res := &SendResult{}
	if refreshed {
		res.Token = tok
	}

	id, err := send(ctx, tok.AccessToken)
	if err != nil && IsAuthError(err) && tok.RefreshToken != "" {
		logger.Info("access token rejected, refreshing", "account", acc.Email, "error", err)
		fresh, rerr := tokens.Refresh(ctx, acc.Email, tok)
		if rerr != nil {
			return res, fmt.Errorf("%w (token refresh failed: %v)", err, rerr)
		}
		res.Token = fresh
		id, err = send(ctx, fresh.AccessToken)
	}
	if err != nil {
		return res, err
	}
	res.MessageID = id
	return res, nil
}

// post sends an authorized request and decodes a JSON response into out when given
func post(ctx context.Context, client *http.Client, provider, url, accessToken, contentType string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return resp.StatusCode, oauth.DecodeAPIError(provider, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", provider, err)
		}
	}
	return resp.StatusCode, nil
}

func buildMIME(msg *OutgoingMessage) (string, []byte, error) {
	m := &message.Message{
		From:      msg.From,
		FromName:  msg.FromName,
		To:        msg.To,
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		MessageID: message.NewMessageID(msg.From),
	}
	raw, err := m.Bytes()
	if err != nil {
		return "", nil, err
	}
	return m.MessageID, raw, nil
}

// GoogleSender sends through the Gmail API
type GoogleSender struct {
	baseURL string
	client  *http.Client
	tokens  TokenRefresher
	logger  *slog.Logger
}

func NewGoogleSender(baseURL string, client *http.Client, tokens TokenRefresher, logger *slog.Logger) *GoogleSender {
	if client == nil {
		client = oauth.DefaultHTTPClient
	}
	return &GoogleSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logger.With("component", "delivery", "provider", "google"),
	}
}

// Send posts the raw MIME message to users.messages.send and returns the Gmail message id
func (s *GoogleSender) Send(ctx context.Context, acc *models.Account, msg *OutgoingMessage) (*SendResult, error) {
	_, raw, err := buildMIME(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"raw": base64.RawURLEncoding.EncodeToString(raw)})
	if err != nil {
		return nil, err
	}

	return sendWithToken(ctx, s.tokens, acc, s.logger, func(ctx context.Context, accessToken string) (string, error) {
		var resp struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		}
		url := s.baseURL + "/gmail/v1/users/me/messages/send"
		if _, err := post(ctx, s.client, "google", url, accessToken, "application/json", body, &resp); err != nil {
			return "", err
		}
		return resp.ID, nil
	})
}

// MicrosoftSender sends through Microsoft Graph
type MicrosoftSender struct {
	baseURL string
	client  *http.Client
	tokens  TokenRefresher
	logger  *slog.Logger
}

func NewMicrosoftSender(graphBaseURL string, client *http.Client, tokens TokenRefresher, logger *slog.Logger) *MicrosoftSender {
	if client == nil {
		client = oauth.DefaultHTTPClient
	}
	return &MicrosoftSender{
		baseURL: strings.TrimRight(graphBaseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logger.With("component", "delivery", "provider", "microsoft"),
	}
}

// Send posts the base64 MIME message to /me/sendMail. Graph answers 202
// without an id, so the generated Message-ID is returned.
func (s *MicrosoftSender) Send(ctx context.Context, acc *models.Account, msg *OutgoingMessage) (*SendResult, error) {
	messageID, raw, err := buildMIME(msg)
	if err != nil {
		return nil, err
	}
	body := []byte(base64.StdEncoding.EncodeToString(raw))

	return sendWithToken(ctx, s.tokens, acc, s.logger, func(ctx context.Context, accessToken string) (string, error) {
		status, err := post(ctx, s.client, "microsoft", s.baseURL+"/me/sendMail", accessToken, "text/plain", body, nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusAccepted {
			return "", &oauth.APIError{Provider: "microsoft", StatusCode: status, Description: "unexpected status from sendMail"}
		}
		return messageID, nil
	})
}
