package prompt

import "github.com/manifoldco/promptui"

// Option is one entry of a Select list.
type Option struct {
	Label       string
	Value       string
	Description string
}

var selectRunner = func(s *promptui.Select) (int, string, error) { return s.Run() }

// Select asks the operator to pick one option and returns its Value.
func Select(label string, options []Option) (string, error) {
	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   "> {{ .Label | cyan }}",
		Inactive: "  {{ .Label }}",
		Selected: "* {{ .Label | green }}",
		Details:  `{{ if .Description }}{{ "Description:" | faint }} {{ .Description }}{{ end }}`,
	}

	i, _, err := selectRunner(&promptui.Select{
		Label:     label,
		Items:     options,
		Templates: templates,
		Size:      len(options),
	})
	if err != nil {
		return "", wrap(err)
	}
	return options[i].Value, nil
}
