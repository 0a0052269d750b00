package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Settings controls the guard per project, from execution.commandGuard.
// All block flags default to on; decode with DefaultSettings as the base so
// absent JSON keys keep their defaults.
type Settings struct {
	Enabled             bool     `json:"enabled"`
	BlockDestructive    bool     `json:"blockDestructive"`
	BlockHanging        bool     `json:"blockHanging"`
	BlockNetworkExfil   bool     `json:"blockNetworkExfil"`
	BlockPrivilegeEsc   bool     `json:"blockPrivilegeEsc"`
	BlockShellInjection bool     `json:"blockShellInjection"`
	CustomDenyPatterns  []string `json:"customDenyPatterns,omitempty"`
	CustomAllowPatterns []string `json:"customAllowPatterns,omitempty"`
	AIReview            bool     `json:"aiReview"`
}

// DefaultSettings returns the guard defaults: every category on, no AI review
func DefaultSettings() Settings {
	return Settings{
		Enabled:             true,
		BlockDestructive:    true,
		BlockHanging:        true,
		BlockNetworkExfil:   true,
		BlockPrivilegeEsc:   true,
		BlockShellInjection: true,
	}
}

// Verdict is the guard's decision on a proposed command
type Verdict struct {
	Allowed               bool   `json:"allowed"`
	Sanitized             string `json:"sanitized"`
	Reason                string `json:"reason,omitempty"`
	Rule                  string `json:"rule,omitempty"`
	PromotedToBackground  bool   `json:"promotedToBackground,omitempty"`
	SuggestedReadyPattern string `json:"suggestedReadyPattern,omitempty"`
}

type category string

const (
	catDestructive category = "destructive"
	catHanging     category = "hanging"
	catNetwork     category = "network"
	catPrivilege   category = "privilege"
	catInjection   category = "injection"
)

type rule struct {
	id       string
	category category
	re       *regexp.Regexp
	exclude  *regexp.Regexp
	reason   string
}

// Rules are evaluated in order; the first hit wins. Hanging hits promote to
// background instead of denying.
var builtinRules = []rule{
	// destructive
	{id: "rm-rf-root", category: catDestructive,
		re:     regexp.MustCompile(`(?i)\brm\s+(?:-[a-z]+\s+)*-(?:[a-z]*r[a-z]*f|[a-z]*f[a-z]*r)[a-z]*\s+(?:"|')?(?:/\s*$|/\s|~/?\s*$|~/?\s|\.\.(?:/|\s|$)|\*)`),
		reason: "recursive force removal of a critical path"},
	{id: "mkfs", category: catDestructive,
		re:     regexp.MustCompile(`(?i)\bmkfs(?:\.[a-z0-9]+)?\b`),
		reason: "filesystem creation wipes a device"},
	{id: "dd-device", category: catDestructive,
		re:     regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`),
		reason: "raw write to a device node"},
	{id: "shred", category: catDestructive,
		re:     regexp.MustCompile(`(?i)\bshred\b`),
		reason: "irrecoverable file destruction"},
	{id: "wipefs", category: catDestructive,
		re:     regexp.MustCompile(`(?i)\bwipefs\b`),
		reason: "filesystem signature wipe"},

	// hanging
	{id: "node-server-file", category: catHanging,
		re:      regexp.MustCompile(`(?i)\bnode\s+(?:-[a-z-]+\s+)*\S+\.(?:js|ts|mjs|cjs)\b`),
		exclude: regexp.MustCompile(`(?i)(?:--eval\b|(?:^|\s)-e\s)`),
		reason:  "node entrypoint usually runs a long-lived server"},
	{id: "npm-start", category: catHanging,
		re:     regexp.MustCompile(`(?i)\bnpm\s+start\b`),
		reason: "npm start runs until killed"},
	{id: "npm-dev", category: catHanging,
		re:     regexp.MustCompile(`(?i)\bnpm\s+run\s+(?:dev|serve|watch)\b`),
		reason: "npm dev script runs until killed"},
	{id: "yarn-dev", category: catHanging,
		re:     regexp.MustCompile(`(?i)\byarn\s+(?:start|dev|serve)\b`),
		reason: "yarn dev script runs until killed"},
	{id: "pnpm-dev", category: catHanging,
		re:     regexp.MustCompile(`(?i)\bpnpm\s+(?:start|dev|serve)\b`),
		reason: "pnpm dev script runs until killed"},
	{id: "python-server", category: catHanging,
		re:     regexp.MustCompile(`(?i)\bpython[23]?\s+.*(?:server|app\.py|manage\.py\s+runserver)`),
		reason: "python server runs until killed"},
	{id: "tail-f", category: catHanging,
		re:     regexp.MustCompile(`(?i)\btail\s+(?:-[a-z0-9+]+\s+)*-[a-z]*f\b`),
		reason: "tail -f never exits"},
	{id: "sleep-long", category: catHanging,
		re:     regexp.MustCompile(`(?i)\bsleep\s+(?:infinity|[0-9]{4,})\b`),
		reason: "sleep exceeds any sensible step timeout"},
	{id: "yes", category: catHanging,
		re:     regexp.MustCompile(`(?i)^\s*yes\b`),
		reason: "yes floods stdout forever"},
	{id: "cat-alone", category: catHanging,
		re:     regexp.MustCompile(`(?i)^\s*cat\s*$`),
		reason: "cat with no file blocks on stdin"},

	// network exfiltration
	{id: "curl-upload", category: catNetwork,
		re:     regexp.MustCompile(`(?i)\bcurl\b.*(?:\s-(?:F|T)\s|--upload-file\b|--data(?:-binary|-raw|-urlencode)?[ =]@|\s-d\s+@)`),
		reason: "curl uploading local data"},
	{id: "nc-listen", category: catNetwork,
		re:     regexp.MustCompile(`(?i)\b(?:nc|ncat|netcat)\b.*\s-(?:[a-z]*l[a-z]*\b|[a-z]*[ec]\b)`),
		reason: "netcat listener or command pipe"},
	{id: "wget-post", category: catNetwork,
		re:     regexp.MustCompile(`(?i)\bwget\b.*--post`),
		reason: "wget posting local data"},
	{id: "scp-rsync-remote", category: catNetwork,
		re:     regexp.MustCompile(`(?i)\b(?:scp|rsync)\b.*\S+@\S+`),
		reason: "copying files to a remote host"},

	// privilege escalation
	{id: "sudo", category: catPrivilege,
		re:     regexp.MustCompile(`(?i)\bsudo\b`),
		reason: "sandbox commands must not escalate"},
	{id: "su-root", category: catPrivilege,
		re:     regexp.MustCompile(`(?i)\bsu\s+(?:root\b|-(?:\s|$))`),
		reason: "switching to root"},
	{id: "chmod-danger", category: catPrivilege,
		re:     regexp.MustCompile(`(?i)\bchmod\b.*(?:\b[0-7]{2,3}[2367]\b|[ugoa]*\+[rwxt]*s|[oa]\+w)`),
		reason: "world-writable or setuid permissions"},
	{id: "chown-root", category: catPrivilege,
		re:     regexp.MustCompile(`(?i)\bchown\b.*(?:\broot\b|\b0\b)`),
		reason: "chown to root"},

	// shell injection
	{id: "eval", category: catInjection,
		re:     regexp.MustCompile(`(?i)(?:^|[\s;&|(])eval\s`),
		reason: "eval of dynamic shell"},
	{id: "backticks", category: catInjection,
		re:     regexp.MustCompile("`[^`]+`"),
		reason: "backtick command substitution"},
	{id: "fork-bomb", category: catInjection,
		re:     regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
		reason: "fork bomb"},
	{id: "base64-pipe", category: catInjection,
		re:     regexp.MustCompile(`(?i)\bbase64\b.*(?:-d\b|--decode\b).*\|\s*(?:sh|bash|zsh)\b`),
		reason: "decoding a payload into a shell"},
	{id: "curl-pipe", category: catInjection,
		re:     regexp.MustCompile(`(?i)\bcurl\b[^|]*\|\s*(?:sh|bash|zsh|source)\b`),
		reason: "piping a download into a shell"},
	{id: "wget-pipe", category: catInjection,
		re:     regexp.MustCompile(`(?i)\bwget\b[^|]*\|\s*(?:sh|bash|zsh|source)\b`),
		reason: "piping a download into a shell"},
}

// Reviewer is the optional LLM second opinion on a command
type Reviewer interface {
	ReviewCommand(ctx context.Context, command string, isBackground bool) (safe bool, reason string, err error)
}

// Guard filters shell commands before they reach the sandbox. The same
// (command, settings) pair always yields the same verdict; only the optional
// AI review consults anything outside the rule table.
type Guard struct {
	settings Settings
	reviewer Reviewer
}

// New creates a guard with the given settings and optional reviewer
func New(settings Settings, reviewer Reviewer) *Guard {
	return &Guard{settings: settings, reviewer: reviewer}
}

func (g *Guard) allow(cmd string) Verdict {
	return Verdict{Allowed: true, Sanitized: cmd}
}

func (g *Guard) deny(cmd string, r rule) Verdict {
	return Verdict{
		Allowed:   false,
		Sanitized: cmd,
		Rule:      r.id,
		Reason:    fmt.Sprintf("blocked by rule %s: %s", r.id, r.reason),
	}
}

func (g *Guard) categoryEnabled(c category) bool {
	switch c {
	case catDestructive:
		return g.settings.BlockDestructive
	case catHanging:
		return g.settings.BlockHanging
	case catNetwork:
		return g.settings.BlockNetworkExfil
	case catPrivilege:
		return g.settings.BlockPrivilegeEsc
	case catInjection:
		return g.settings.BlockShellInjection
	}
	return false
}

// Check classifies a proposed command. isBackground suppresses the hanging
// category, since the caller already intends a long-lived process.
func (g *Guard) Check(ctx context.Context, command string, isBackground bool) Verdict {
	cmd := strings.TrimSpace(command)

	if !g.settings.Enabled {
		return g.allow(cmd)
	}

	for _, p := range g.settings.CustomAllowPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		if re.MatchString(cmd) {
			v := g.allow(cmd)
			v.Rule = "allow:" + p
			return v
		}
	}

	// Each category matches against its own sanitised view of the command.
	noHeredoc := StripQuotedHeredocs(cmd)
	noQuotes := StripQuotedStrings(cmd)

	for _, r := range builtinRules {
		if !g.categoryEnabled(r.category) {
			continue
		}
		if r.category == catHanging && isBackground {
			continue
		}
		subject := cmd
		switch r.category {
		case catInjection:
			subject = noHeredoc
		case catHanging:
			subject = noQuotes
		}
		if !r.re.MatchString(subject) {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(subject) {
			continue
		}
		if r.category == catHanging {
			return Verdict{
				Allowed:               true,
				Sanitized:             cmd,
				Rule:                  r.id,
				Reason:                r.reason,
				PromotedToBackground:  true,
				SuggestedReadyPattern: GuessReadyPattern(cmd),
			}
		}
		return g.deny(cmd, r)
	}

	for _, p := range g.settings.CustomDenyPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		if re.MatchString(cmd) {
			return Verdict{
				Allowed:   false,
				Sanitized: cmd,
				Rule:      "deny:" + p,
				Reason:    "blocked by custom deny pattern",
			}
		}
	}

	if g.settings.AIReview && g.reviewer != nil {
		safe, reason, err := g.reviewer.ReviewCommand(ctx, cmd, isBackground)
		if err == nil && !safe {
			return Verdict{
				Allowed:   false,
				Sanitized: cmd,
				Rule:      "ai-review",
				Reason:    reason,
			}
		}
		// Provider errors allow; the deterministic rules already ran.
	}

	return g.allow(cmd)
}

var readyPatternGuesses = []struct {
	match   *regexp.Regexp
	pattern string
}{
	{regexp.MustCompile(`(?i)\bnext\b`), `ready|started server|localhost:`},
	{regexp.MustCompile(`(?i)\bvite\b`), `ready in|localhost:`},
	{regexp.MustCompile(`(?i)\bnuxt\b`), `listening on|nitro`},
	{regexp.MustCompile(`(?i)\bng\s+serve\b`), `compiled successfully|listening on`},
	{regexp.MustCompile(`(?i)\b(?:django|manage\.py\s+runserver)\b`), `starting development server`},
	{regexp.MustCompile(`(?i)\bflask\b`), `running on`},
	{regexp.MustCompile(`(?i)\brails\b`), `listening on`},
	{regexp.MustCompile(`(?i)\btail\s+-f\b`), `.`},
}

// GuessReadyPattern returns a readiness regex for a command promoted to
// background, falling back to common server banners.
func GuessReadyPattern(command string) string {
	for _, g := range readyPatternGuesses {
		if g.match.MatchString(command) {
			return g.pattern
		}
	}
	return `listening on|ready|started|running`
}
