// Package guard is the client side of the coordination daemon: it discovers
// a running daemon from environment hints and the runtime descriptor,
// probes write permission for tool invocations, polls the inbox, and wraps
// the mutation endpoints. It keeps no state of its own and converts every
// failure into a safe deny.
package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teamd-project/teamd/internal/store"
)

// Env is the environment snapshot the guard and CLI recognize.
type Env struct {
	Root      string // TEAM_WORKSPACE_ROOT
	TeamID    string // TEAM_ID
	AgentID   string // AGENT_ID
	URL       string // TEAMD_URL
	Token     string // TEAMD_TOKEN
	TokenFile string // TEAMD_TOKEN_FILE
}

// EnvFromOS reads the recognized environment variables.
func EnvFromOS() Env {
	return Env{
		Root:      os.Getenv("TEAM_WORKSPACE_ROOT"),
		TeamID:    os.Getenv("TEAM_ID"),
		AgentID:   os.Getenv("AGENT_ID"),
		URL:       os.Getenv("TEAMD_URL"),
		Token:     os.Getenv("TEAMD_TOKEN"),
		TokenFile: os.Getenv("TEAMD_TOKEN_FILE"),
	}
}

// Discovery is a resolved daemon identity: where it listens, the credential,
// and who this client is.
type Discovery struct {
	URL     string
	Token   string
	TeamID  string
	AgentID string
	Root    string
}

// tokenFile is the accepted shape of TEAMD_TOKEN_FILE when it holds JSON.
// A plain one-line raw token is also accepted.
type tokenFile struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
}

// Discover resolves a daemon from partial information. Precedence: explicit
// environment, then the token file, then a workspace scan of */runtime.json
// by modification time. When TEAM_ID is set only that team's descriptor is
// considered. A missing agent id is synthesized as "<user>-auto" so the
// guard can always probe instead of silently degrading to allow.
func Discover(env Env) (*Discovery, error) {
	d := &Discovery{
		URL:     env.URL,
		Token:   env.Token,
		TeamID:  env.TeamID,
		AgentID: env.AgentID,
		Root:    env.Root,
	}
	if d.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
		}
		d.Root = cwd
	}

	if (d.URL == "" || d.Token == "") && env.TokenFile != "" {
		if tf, err := readTokenFile(env.TokenFile); err == nil {
			if d.Token == "" {
				d.Token = tf.Token
			}
			if d.URL == "" {
				d.URL = tf.URL
			}
		}
	}

	if d.URL == "" || d.Token == "" {
		if err := d.scanWorkspace(); err != nil {
			return nil, err
		}
	}

	if d.AgentID == "" {
		d.AgentID = fallbackAgentID()
	}
	if d.URL == "" || d.Token == "" {
		return nil, fmt.Errorf("no teamd runtime discovered under %s", d.Root)
	}
	return d, nil
}

// readTokenFile parses either a raw one-line token or a JSON object with
// token and optional url.
func readTokenFile(path string) (*tokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var tf tokenFile
		if err := json.Unmarshal([]byte(trimmed), &tf); err != nil {
			return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
		}
		return &tf, nil
	}
	line := trimmed
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return nil, fmt.Errorf("token file %s is empty", path)
	}
	return &tokenFile{Token: line}, nil
}

// scanWorkspace fills URL/token/team from the most recently modified
// */runtime.json under the root.
func (d *Discovery) scanWorkspace() error {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return fmt.Errorf("failed to scan workspace root %s: %w", d.Root, err)
	}

	type candidate struct {
		teamID  string
		path    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if d.TeamID != "" && e.Name() != d.TeamID {
			continue
		}
		path := filepath.Join(d.Root, e.Name(), "runtime.json")
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{teamID: e.Name(), path: path, modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })

	for _, c := range candidates {
		var rt store.Runtime
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &rt); err != nil || rt.URL == "" || rt.Token == "" {
			continue
		}
		if d.URL == "" {
			d.URL = rt.URL
		}
		if d.Token == "" {
			d.Token = rt.Token
		}
		if d.TeamID == "" {
			d.TeamID = c.teamID
		}
		return nil
	}
	return fmt.Errorf("no readable runtime.json under %s", d.Root)
}

// fallbackAgentID synthesizes a stable local identity when AGENT_ID is
// unset.
func fallbackAgentID() string {
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "agent"
	}
	// Keep the synthesized id inside the identifier character class.
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + "-auto"
}
