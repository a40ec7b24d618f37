package probe

import (
	"regexp"

	"github.com/nixos/vmtest-driver/internal/retry"
)

// ScreenReader is the subset of screen.Grabber the text probe needs.
type ScreenReader interface {
	Text() (string, error)
}

// WaitForText acquires a screen dump and OCRs it on each poll until regex
// matches the recognized text.
func WaitForText(t Target, reader ScreenReader, budget retry.Budget, regex string) error {
	matcher, err := regexp.Compile(regex)
	if err != nil {
		return err
	}
	t.Logger().Infof("waiting for %s to appear on screen", regex)
	return budget.Do(func(last bool) (bool, error) {
		text, err := reader.Text()
		if err != nil {
			return false, err
		}
		matches := matcher.MatchString(text)
		if last && !matches {
			t.Logger().Infof("Last OCR attempt failed. Text was: %s", text)
		}
		return matches, nil
	})
}
