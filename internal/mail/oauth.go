package mail

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

var (
	// ErrClientDescriptorMissing means the OAuth desktop client JSON has not
	// been downloaded yet.
	ErrClientDescriptorMissing = errors.New("oauth client descriptor not found")
	// ErrNoToken means no token bundle is stored for the account.
	ErrNoToken = errors.New("no OAuth credentials found")

	errBrowserUnavailable = errors.New("browser unavailable")
)

const (
	consentTimeout    = 5 * time.Minute
	manualRedirectURL = "http://127.0.0.1/"
)

var (
	openBrowser      = browser.OpenURL
	displayAvailable = hasDisplay
)

// Prompter talks to the user during interactive authentication.
type Prompter interface {
	Println(msg string)
	ReadLine(prompt string) (string, error)
}

// LoadOAuthConfig reads the desktop client descriptor and requests only the
// read-only Gmail scope.
func LoadOAuthConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrClientDescriptorMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read client descriptor: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client descriptor: %w", err)
	}
	return cfg, nil
}

func encodeToken(tok *oauth2.Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(data), nil
}

func decodeToken(s string) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(s), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("decode token: empty token bundle")
	}
	return &tok, nil
}

// authorize runs the consent flow. The loopback flow is used when a browser
// can be opened; otherwise the user pastes the code or the redirected URL.
func authorize(ctx context.Context, cfg *oauth2.Config, p Prompter, manual bool) (*oauth2.Token, error) {
	if !manual && displayAvailable() {
		tok, err := loopbackFlow(ctx, cfg, p)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, errBrowserUnavailable) {
			return nil, err
		}
		p.Println("Could not open a browser, switching to manual authorization.")
	}
	return manualFlow(ctx, cfg, p)
}

func loopbackFlow(ctx context.Context, cfg *oauth2.Config, p Prompter) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", errBrowserUnavailable, err)
	}
	defer ln.Close()

	flowCfg := *cfg
	flowCfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port)
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := flowCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			res := result{code: q.Get("code")}
			if e := q.Get("error"); e != "" {
				res.err = fmt.Errorf("consent denied: %s", e)
			} else if res.code == "" {
				res.err = errors.New("no authorization code in redirect")
			}
			if res.err != nil {
				fmt.Fprintln(w, "Authorization failed, you can close this window.")
			} else {
				fmt.Fprintln(w, "Authorization complete, you can close this window.")
			}
			select {
			case results <- res:
			default:
			}
		}),
	}
	go srv.Serve(ln)
	defer srv.Close()

	if err := openBrowser(authURL); err != nil {
		return nil, fmt.Errorf("%w: %v", errBrowserUnavailable, err)
	}
	p.Println("Opened your browser to authorize read-only Gmail access. If it did not open, visit:\n" + authURL)

	ctx, cancel := context.WithTimeout(ctx, consentTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for consent: %w", ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := flowCfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		return tok, nil
	}
}

func manualFlow(ctx context.Context, cfg *oauth2.Config, p Prompter) (*oauth2.Token, error) {
	flowCfg := *cfg
	flowCfg.RedirectURL = manualRedirectURL
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := flowCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))

	p.Println("Open this URL in a browser and approve read-only Gmail access:\n\n" + authURL + "\n")
	p.Println("The browser then lands on a page that does not load. Copy its full address (or just the code parameter).")
	input, err := p.ReadLine("Paste the redirected URL or code: ")
	if err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	code, err := parseAuthorizationInput(input, state)
	if err != nil {
		return nil, err
	}
	tok, err := flowCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// parseAuthorizationInput accepts either a bare code or the URL the browser
// was redirected to.
func parseAuthorizationInput(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("no authorization code entered")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirected URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("consent denied: %s", e)
	}
	if s := q.Get("state"); s != "" && s != state {
		return "", errors.New("state mismatch in redirected URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("no code parameter in redirected URL")
	}
	return code, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hasDisplay() bool {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "freebsd" {
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	}
	return true
}
