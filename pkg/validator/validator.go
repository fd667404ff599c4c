package validator

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/sciffer/sandboxgate/pkg/models"
)

const (
	// DefaultMaxCommandBytes bounds the shell command accepted per request
	DefaultMaxCommandBytes = 64 * 1024
	maxModelLength         = 128
	maxTemplateLength      = 63
)

// Template names double as Kubernetes label values
var templateRegex = regexp.MustCompile(`^[a-z0-9]([-a-z0-9_.]*[a-z0-9])?$`)

// Validator handles input validation
type Validator struct {
	maxCommandBytes int
	templates       map[string]struct{}
}

// New creates a validator. An empty templates list accepts any well-formed
// template name.
func New(maxCommandBytes int, templates []string) *Validator {
	if maxCommandBytes <= 0 {
		maxCommandBytes = DefaultMaxCommandBytes
	}
	v := &Validator{maxCommandBytes: maxCommandBytes}
	if len(templates) > 0 {
		v.templates = make(map[string]struct{}, len(templates))
		for _, t := range templates {
			v.templates[t] = struct{}{}
		}
	}
	return v
}

// ValidateTerminalRequest checks a terminal request after defaults are applied
func (v *Validator) ValidateTerminalRequest(req *models.TerminalRequest) error {
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("command is required")
	}

	if len(req.Command) > v.maxCommandBytes {
		return fmt.Errorf("command exceeds maximum allowed (%d bytes)", v.maxCommandBytes)
	}

	if strings.ContainsRune(req.Command, 0) {
		return fmt.Errorf("command cannot contain NUL bytes")
	}

	if err := validateWorkingDirectory(req.WorkingDirectory); err != nil {
		return err
	}

	if err := v.ValidateTemplate(req.Template); err != nil {
		return err
	}

	if len(req.Model) > maxModelLength {
		return fmt.Errorf("model must be %d characters or less", maxModelLength)
	}

	return nil
}

// ValidateTemplate checks a template name against the naming rules and the
// configured set
func (v *Validator) ValidateTemplate(template string) error {
	if template == "" {
		return fmt.Errorf("template is required")
	}

	if len(template) > maxTemplateLength {
		return fmt.Errorf("template must be %d characters or less", maxTemplateLength)
	}

	if !templateRegex.MatchString(template) {
		return fmt.Errorf("template must be lowercase alphanumeric with hyphens, dots or underscores")
	}

	if v.templates != nil {
		if _, ok := v.templates[template]; !ok {
			return fmt.Errorf("unknown template %q", template)
		}
	}

	return nil
}

func validateWorkingDirectory(dir string) error {
	if dir == "" {
		return nil
	}

	if !path.IsAbs(dir) {
		return fmt.Errorf("working directory must be an absolute path")
	}

	if strings.ContainsAny(dir, "\x00\n") {
		return fmt.Errorf("working directory contains invalid characters")
	}

	return nil
}
