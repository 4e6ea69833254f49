// Package prompt wraps promptui for the interactive "veil init" flow.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the operator presses Ctrl+C or Ctrl+D.
var ErrAborted = errors.New("aborted")

// ErrPasswordMismatch is returned when a password confirmation differs.
var ErrPasswordMismatch = errors.New("passwords do not match")

// IsAborted reports whether err means the operator gave up.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF)
}

func wrap(err error) error {
	if err != nil && IsAborted(err) {
		return ErrAborted
	}
	return err
}

// runner is swapped by tests; promptui needs a terminal.
var runner = func(p *promptui.Prompt) (string, error) { return p.Run() }

// Input asks for free text with a default.
func Input(label, def string, validate func(string) error) (string, error) {
	res, err := runner(&promptui.Prompt{Label: label, Default: def, Validate: validate})
	return res, wrap(err)
}

// InputPort asks for a UDP/TCP port.
func InputPort(label string, def int) (int, error) {
	res, err := Input(label, strconv.Itoa(def), ValidatePort)
	if err != nil {
		return 0, err
	}
	port, _ := strconv.Atoi(res)
	return port, nil
}

// ValidatePort accepts integers in 1..65535.
func ValidatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid integer")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("must be a valid port (1-65535)")
	}
	return nil
}

// NewPassword asks for a masked password twice. An empty first answer
// returns "" so the caller can generate one.
func NewPassword(label string, minLength int) (string, error) {
	pw, err := runner(&promptui.Prompt{
		Label: label + " (empty to generate)",
		Mask:  '*',
		Validate: func(s string) error {
			if s != "" && len(s) < minLength {
				return fmt.Errorf("password must be at least %d characters", minLength)
			}
			return nil
		},
	})
	if err != nil {
		return "", wrap(err)
	}
	if pw == "" {
		return "", nil
	}

	confirm, err := runner(&promptui.Prompt{Label: "Confirm " + strings.ToLower(label), Mask: '*'})
	if err != nil {
		return "", wrap(err)
	}
	if pw != confirm {
		return "", ErrPasswordMismatch
	}
	return pw, nil
}

// Confirm asks a yes/no question.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	res, err := runner(&promptui.Prompt{Label: fmt.Sprintf("%s [%s]", label, hint)})
	if err != nil {
		return false, wrap(err)
	}
	switch strings.ToLower(strings.TrimSpace(res)) {
	case "":
		return defaultYes, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
