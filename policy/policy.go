// Package policy validates job specs against the merged global and
// workspace security policy and emits container hardening options.
package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/treksavvysky/OrcaOps/schemas"
	"github.com/treksavvysky/OrcaOps/workspace"
)

// ImagePolicy controls which images may run.
type ImagePolicy struct {
	AllowedImages []string `json:"allowed_images,omitempty" yaml:"allowed_images"`
	BlockedImages []string `json:"blocked_images,omitempty" yaml:"blocked_images"`
	RequireDigest bool     `json:"require_digest,omitempty" yaml:"require_digest"`
}

// CommandPolicy controls which commands may run.
type CommandPolicy struct {
	BlockedCommands []string `json:"blocked_commands,omitempty" yaml:"blocked_commands"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns"`
}

// SecurityPolicy is the operator-level policy document.
type SecurityPolicy struct {
	Image   ImagePolicy   `json:"image_policy" yaml:"image_policy"`
	Command CommandPolicy `json:"command_policy" yaml:"command_policy"`
}

// DefaultPolicy blocks the classic footguns and nothing else.
func DefaultPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		Command: CommandPolicy{
			BlockedPatterns: []string{
				`rm\s+(-[a-zA-Z]*\s+)*/($|\s)`,
				`mkfs(\.\w+)?\s`,
				`dd\s+if=.*of=/dev/`,
			},
		},
	}
}

// Result is the outcome of a validation pass.
type Result struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}

// SecurityOpts is the container hardening vector handed to the backend.
type SecurityOpts struct {
	DropCapabilities []string `json:"drop_capabilities"`
	NoNewPrivileges  bool     `json:"no_new_privileges"`
	ReadOnlyRootFS   bool     `json:"read_only_root_fs"`
}

// Engine validates (image, commands) pairs. A workspace merges into the
// global policy: the workspace allow-list wins when set, deny-lists union.
type Engine struct {
	policy *SecurityPolicy
	ws     *workspace.Workspace

	compiled []*regexp.Regexp
}

// NewEngine builds an engine for one workspace. ws may be nil for the
// global policy alone.
func NewEngine(policy *SecurityPolicy, ws *workspace.Workspace) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	e := &Engine{policy: policy, ws: ws}
	for _, p := range policy.Command.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			// Invalid operator patterns are skipped, matching the
			// refusal-to-guess rule: a broken pattern must not block
			// every job.
			continue
		}
		e.compiled = append(e.compiled, re)
	}
	return e
}

// ValidateImage checks an image against the merged allow/deny globs and
// the digest requirement.
func (e *Engine) ValidateImage(image string) Result {
	var violations []string

	allowed := e.policy.Image.AllowedImages
	blocked := append([]string(nil), e.policy.Image.BlockedImages...)
	if e.ws != nil {
		if len(e.ws.Settings.AllowedImages) > 0 {
			allowed = e.ws.Settings.AllowedImages
		}
		blocked = append(blocked, e.ws.Settings.BlockedImages...)
	}

	for _, pattern := range blocked {
		if globMatch(pattern, image) {
			violations = append(violations, fmt.Sprintf("image %q is blocked by pattern %q", image, pattern))
		}
	}

	if len(allowed) > 0 {
		match := false
		for _, pattern := range allowed {
			if globMatch(pattern, image) {
				match = true
				break
			}
		}
		if !match {
			violations = append(violations, fmt.Sprintf("image %q not in allowed list", image))
		}
	}

	if e.policy.Image.RequireDigest && !hasDigest(image) {
		violations = append(violations, fmt.Sprintf("image %q must be pinned by digest (image@sha256:...)", image))
	}

	return Result{Allowed: len(violations) == 0, Violations: violations}
}

// ValidateCommand checks one command against the deny list and patterns.
func (e *Engine) ValidateCommand(command string) Result {
	var violations []string

	for _, blockedCmd := range e.policy.Command.BlockedCommands {
		if strings.TrimSpace(command) == strings.TrimSpace(blockedCmd) {
			violations = append(violations, fmt.Sprintf("command matches blocked command %q", blockedCmd))
		}
	}
	for _, re := range e.compiled {
		if re.MatchString(command) {
			violations = append(violations, fmt.Sprintf("command matches blocked pattern %q", re.String()))
		}
	}

	return Result{Allowed: len(violations) == 0, Violations: violations}
}

// ValidateJob validates the whole spec, short-circuiting on the first
// denial source but reporting every violation found up to it.
func (e *Engine) ValidateJob(spec *schemas.JobSpec) Result {
	if r := e.ValidateImage(spec.Image); !r.Allowed {
		return r
	}
	for _, cmd := range spec.Commands {
		if r := e.ValidateCommand(cmd); !r.Allowed {
			return r
		}
	}
	return Result{Allowed: true}
}

// ContainerSecurityOpts returns the hardening vector: all capabilities
// dropped, no-new-privileges always, read-only rootfs only when the
// workspace opts in.
func (e *Engine) ContainerSecurityOpts() SecurityOpts {
	opts := SecurityOpts{
		DropCapabilities: []string{"ALL"},
		NoNewPrivileges:  true,
	}
	if e.ws != nil && e.ws.Settings.ReadOnlyRootFS {
		opts.ReadOnlyRootFS = true
	}
	return opts
}

func hasDigest(image string) bool {
	if named, err := reference.ParseNormalizedNamed(image); err == nil {
		_, ok := named.(reference.Digested)
		return ok
	}
	return strings.Contains(image, "@sha256:")
}

// globMatch applies filename-style wildcards. Image references contain
// slashes that path.Match treats as separators, so match against the raw
// string first and fall back to the base name.
func globMatch(pattern, image string) bool {
	if ok, err := path.Match(pattern, image); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, "/") && strings.Contains(image, "/") {
		if ok, err := path.Match(pattern, path.Base(image)); err == nil && ok {
			return true
		}
	}
	return false
}
