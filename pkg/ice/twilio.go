package ice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/logging"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNoCredentials indicates the Twilio provider is missing its API keys
var ErrNoCredentials = errors.New("twilio credentials not configured")

// TwilioConfig carries the API key material for token minting.
type TwilioConfig struct {
	APIKeySID    string
	APIKeySecret string
	AccountSID   string

	// TTL of minted TURN credentials in seconds. Zero means Twilio's
	// default (86400).
	TTL int

	LoggerFactory logging.LoggerFactory
}

// Twilio mints short-lived TURN credentials through Twilio's token API.
// On fetch failure it serves the last good set, then the static STUN
// fallback, so admission never blocks on a vendor outage.
type Twilio struct {
	cfg TwilioConfig
	log logging.LeveledLogger

	createToken func(params *openapi.CreateTokenParams) (*openapi.ApiV2010Token, error)

	mu       sync.Mutex
	lastGood []Server
}

// NewTwilio builds the provider. Returns ErrNoCredentials when the key
// material is incomplete so callers can fall back to a Static provider.
func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if cfg.APIKeySID == "" || cfg.APIKeySecret == "" || cfg.AccountSID == "" {
		return nil, ErrNoCredentials
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.APIKeySID,
		Password: cfg.APIKeySecret,
	})

	return &Twilio{
		cfg:         cfg,
		log:         cfg.LoggerFactory.NewLogger("ice"),
		createToken: client.Api.CreateToken,
	}, nil
}

// Fetch mints a fresh token and normalizes the descriptor list.
func (t *Twilio) Fetch(ctx context.Context) ([]Server, error) {
	if err := ctx.Err(); err != nil {
		return t.fallback(), nil
	}

	params := &openapi.CreateTokenParams{}
	params.SetPathAccountSid(t.cfg.AccountSID)
	if t.cfg.TTL > 0 {
		params.SetTtl(t.cfg.TTL)
	}

	token, err := t.createToken(params)
	if err != nil {
		t.log.Warnf("token mint failed, serving fallback: %v", err)
		return t.fallback(), nil
	}
	if token.IceServers == nil || len(*token.IceServers) == 0 {
		t.log.Warnf("token carried no ice servers, serving fallback")
		return t.fallback(), nil
	}

	servers := make([]Server, 0, len(*token.IceServers))
	for _, rec := range *token.IceServers {
		if s, ok := normalizeRecord(rec); ok {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return t.fallback(), nil
	}

	t.mu.Lock()
	t.lastGood = servers
	t.mu.Unlock()

	return servers, nil
}

func (t *Twilio) fallback() []Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lastGood) > 0 {
		return t.lastGood
	}
	return DefaultServers()
}

// normalizeRecord folds Twilio's singular "url" spelling into the
// plural URLs list and strips records with no address at all.
func normalizeRecord(rec openapi.ApiV2010AccountTokenIceServers) (Server, bool) {
	var s Server
	if strings.TrimSpace(rec.Urls) != "" {
		s.URLs = append(s.URLs, strings.TrimSpace(rec.Urls))
	}
	if strings.TrimSpace(rec.Url) != "" {
		u := strings.TrimSpace(rec.Url)
		if len(s.URLs) == 0 || s.URLs[0] != u {
			s.URLs = append(s.URLs, u)
		}
	}
	if len(s.URLs) == 0 {
		return Server{}, false
	}
	s.Username = rec.Username
	s.Credential = rec.Credential
	return s, true
}
