// Package routeros implements device.Client over the RouterOS API (User Manager, firewall filter, PPP).
package routeros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
)

// User Manager moved from /tool/user-manager (RouterOS 6) to /user-manager (RouterOS 7).
var (
	userPaths    = []string{"/user-manager/user", "/tool/user-manager/user"}
	sessionPaths = []string{"/user-manager/session", "/tool/user-manager/session"}
)

const (
	firewallFilterPath = "/ip/firewall/filter"
	pppActivePath      = "/ppp/active"
	identityPath       = "/system/identity"
)

// Config holds RouterOS API connection settings.
type Config struct {
	Host     string
	Port     int
	UseSSL   bool
	Username string
	Password string
	Timeout  time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// runner is the subset of *routeros.Client used here.
type runner interface {
	RunArgs(sentence []string) (*routeros.Reply, error)
	Close()
}

type dialFunc func(ctx context.Context, cfg Config) (runner, error)

// Client opens one API connection per call, like a short-lived admin session.
type Client struct {
	mu   sync.RWMutex
	cfg  Config
	dial dialFunc
	log  *zap.Logger
}

var _ device.Client = (*Client)(nil)

// New returns a RouterOS client. log may be nil.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: withDefaults(cfg), dial: dialAPI, log: log}
}

func withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 8728
	}
	return cfg
}

// Reconfigure replaces the connection settings used by subsequent calls.
// Calls already in progress keep their connection.
func (c *Client) Reconfigure(cfg Config) {
	cfg = withDefaults(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg != c.cfg {
		c.log.Info("routeros connection settings changed", zap.String("address", cfg.Address()),
			zap.String("username", cfg.Username), zap.Bool("ssl", cfg.UseSSL))
	}
	c.cfg = cfg
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

type apiConn struct {
	c *routeros.Client
}

func (a apiConn) RunArgs(sentence []string) (*routeros.Reply, error) {
	return a.c.RunArgs(sentence)
}

func (a apiConn) Close() {
	a.c.Close()
}

func dialAPI(ctx context.Context, cfg Config) (runner, error) {
	timeout := cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	var (
		c   *routeros.Client
		err error
	)
	if cfg.UseSSL {
		// API-SSL on RouterOS ships with a self-signed certificate.
		c, err = routeros.DialTLSTimeout(cfg.Address(), cfg.Username, cfg.Password,
			&tls.Config{InsecureSkipVerify: true}, timeout) //nolint:gosec
	} else {
		c, err = routeros.DialTimeout(cfg.Address(), cfg.Username, cfg.Password, timeout)
	}
	if err != nil {
		return nil, err
	}
	return apiConn{c: c}, nil
}

// with dials, runs fn and closes the connection. Cancelling ctx closes the connection,
// which unblocks any pending RunArgs.
func (c *Client) with(ctx context.Context, op string, fn func(r runner) error) error {
	cfg := c.config()
	if cfg.Host == "" || cfg.Username == "" {
		return device.Classify(op, errors.New("RouterOS API credentials are not configured"))
	}
	if err := ctx.Err(); err != nil {
		return device.Classify(op, err)
	}
	r, err := c.dial(ctx, cfg)
	if err != nil {
		return device.Classify(op, err)
	}
	done := make(chan error, 1)
	go func() { done <- fn(r) }()
	select {
	case err = <-done:
		r.Close()
	case <-ctx.Done():
		r.Close()
		err = ctx.Err()
	}
	return device.Classify(op, err)
}

// QueryActive lists active User Manager sessions and keeps those of the given accounts.
func (c *Client) QueryActive(ctx context.Context, accounts []string) (map[string]device.ActiveSession, error) {
	need := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if a != "" {
			need[a] = struct{}{}
		}
	}
	out := make(map[string]device.ActiveSession, len(need))
	if len(need) == 0 {
		return out, nil
	}
	err := c.with(ctx, "query active", func(r runner) error {
		reply, path, err := firstPath(r, sessionPaths, "/print")
		if err != nil {
			return err
		}
		for _, re := range reply.Re {
			m := re.Map
			if !parseBool(m["active"]) {
				continue
			}
			account := first(m, "user", "username", "name")
			if _, ok := need[account]; !ok {
				continue
			}
			out[account] = device.ActiveSession{
				Account:     account,
				ExternalRef: first(m, "acct-session-id", ".id"),
			}
		}
		c.log.Debug("routeros: active sessions", zap.String("path", path), zap.Int("matched", len(out)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetAccountEnabled enables or disables a User Manager user.
func (c *Client) SetAccountEnabled(ctx context.Context, account string, enabled bool) error {
	return c.with(ctx, "set account enabled", func(r runner) error {
		reply, path, err := firstPath(r, userPaths, "/print", "?name="+account)
		if err != nil {
			return err
		}
		if len(reply.Re) == 0 {
			return fmt.Errorf("user manager user %q not found", account)
		}
		id := reply.Re[0].Map[".id"]
		if id == "" {
			return fmt.Errorf("user manager user %q has no .id", account)
		}
		_, err = r.RunArgs([]string{path + "/set", "=.id=" + id, "=disabled=" + boolWord(!enabled)})
		return err
	})
}

// SetGrantEnabled enables or disables a firewall filter rule. An empty id is a no-op.
func (c *Client) SetGrantEnabled(ctx context.Context, grantID string, enabled bool) error {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return nil
	}
	return c.with(ctx, "set grant enabled", func(r runner) error {
		_, err := r.RunArgs([]string{firewallFilterPath + "/set", "=.id=" + grantID, "=disabled=" + boolWord(!enabled)})
		return err
	})
}

// ForceDisconnect removes the account's PPP connections and active User Manager sessions.
func (c *Client) ForceDisconnect(ctx context.Context, account string) error {
	if account == "" {
		return nil
	}
	return c.with(ctx, "force disconnect", func(r runner) error {
		var errs []error
		reply, err := r.RunArgs([]string{pppActivePath + "/print", "?name=" + account})
		if err != nil {
			errs = append(errs, fmt.Errorf("ppp active: %w", err))
		} else {
			errs = append(errs, removeAll(r, pppActivePath, reply, func(map[string]string) bool { return true })...)
		}
		reply, path, err := firstPath(r, sessionPaths, "/print", "?user="+account)
		if err == nil {
			errs = append(errs, removeAll(r, path, reply, func(m map[string]string) bool { return parseBool(m["active"]) })...)
		}
		return errors.Join(errs...)
	})
}

// FindGrantByTag returns the first firewall filter rule whose comment contains fragment.
func (c *Client) FindGrantByTag(ctx context.Context, fragment string) (string, bool, error) {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return "", false, nil
	}
	var id string
	err := c.with(ctx, "find grant", func(r runner) error {
		reply, err := r.RunArgs([]string{firewallFilterPath + "/print", "=.proplist=.id,comment"})
		if err != nil {
			return err
		}
		for _, re := range reply.Re {
			if strings.Contains(strings.ToLower(re.Map["comment"]), needle) {
				id = re.Map[".id"]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// Ping returns the router identity name.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var name string
	err := c.with(ctx, "ping", func(r runner) error {
		reply, err := r.RunArgs([]string{identityPath + "/print"})
		if err != nil {
			return err
		}
		name = "OK"
		if len(reply.Re) > 0 && reply.Re[0].Map["name"] != "" {
			name = reply.Re[0].Map["name"]
		}
		return nil
	})
	return name, err
}

// firstPath runs cmd against each candidate path and returns the first reply that succeeds.
func firstPath(r runner, paths []string, cmd string, args ...string) (*routeros.Reply, string, error) {
	var lastErr error
	for _, p := range paths {
		reply, err := r.RunArgs(append([]string{p + cmd}, args...))
		if err == nil {
			return reply, p, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func removeAll(r runner, path string, reply *routeros.Reply, keep func(map[string]string) bool) []error {
	var errs []error
	for _, re := range reply.Re {
		if !keep(re.Map) {
			continue
		}
		id := re.Map[".id"]
		if id == "" {
			continue
		}
		if _, err := r.RunArgs([]string{path + "/remove", "=.id=" + id}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s %s: %w", path, id, err))
		}
	}
	return errs
}

func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "enabled", "enable", "1":
		return true
	}
	return false
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
