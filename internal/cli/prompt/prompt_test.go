package prompt

import (
	"errors"
	"testing"

	"github.com/manifoldco/promptui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted replaces the prompt runner with canned answers for one test.
func scripted(t *testing.T, answers ...string) *[]string {
	t.Helper()
	labels := &[]string{}
	orig := runner
	runner = func(p *promptui.Prompt) (string, error) {
		*labels = append(*labels, p.Label.(string))
		if len(answers) == 0 {
			return "", promptui.ErrInterrupt
		}
		a := answers[0]
		answers = answers[1:]
		if p.Validate != nil {
			if err := p.Validate(a); err != nil {
				return "", err
			}
		}
		return a, nil
	}
	t.Cleanup(func() { runner = orig })
	return labels
}

func TestInputPort(t *testing.T) {
	scripted(t, "8443")
	port, err := InputPort("Listen port", 443)
	require.NoError(t, err)
	assert.Equal(t, 8443, port)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("443"))
	assert.Error(t, ValidatePort("0"))
	assert.Error(t, ValidatePort("70000"))
	assert.Error(t, ValidatePort("https"))
}

func TestNewPassword(t *testing.T) {
	t.Run("Matching", func(t *testing.T) {
		scripted(t, "correct horse battery", "correct horse battery")
		pw, err := NewPassword("Password", 12)
		require.NoError(t, err)
		assert.Equal(t, "correct horse battery", pw)
	})

	t.Run("EmptyMeansGenerate", func(t *testing.T) {
		labels := scripted(t, "")
		pw, err := NewPassword("Password", 12)
		require.NoError(t, err)
		assert.Empty(t, pw)
		assert.Len(t, *labels, 1)
	})

	t.Run("Mismatch", func(t *testing.T) {
		scripted(t, "correct horse battery", "correct horse batterx")
		_, err := NewPassword("Password", 12)
		assert.ErrorIs(t, err, ErrPasswordMismatch)
	})

	t.Run("TooShort", func(t *testing.T) {
		scripted(t, "short")
		_, err := NewPassword("Password", 12)
		assert.ErrorContains(t, err, "at least 12")
	})
}

func TestConfirm(t *testing.T) {
	scripted(t, "", "yes", "nope")
	ok, err := Confirm("Overwrite", true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Confirm("Overwrite", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Confirm("Overwrite", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAborted(t *testing.T) {
	scripted(t)
	_, err := Input("Listen address", ":443", nil)
	assert.ErrorIs(t, err, ErrAborted)
	assert.True(t, IsAborted(err))
	assert.False(t, IsAborted(errors.New("other")))
}

func TestSelect(t *testing.T) {
	orig := selectRunner
	selectRunner = func(s *promptui.Select) (int, string, error) { return 1, "", nil }
	t.Cleanup(func() { selectRunner = orig })

	v, err := Select("TLS certificate", []Option{
		{Label: "Load from files", Value: "file"},
		{Label: "Generate self-signed", Value: "self-signed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "self-signed", v)
}
