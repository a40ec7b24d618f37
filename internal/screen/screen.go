// Package screen requests a screen dump from the emulator's monitor and
// turns it into a PNG screenshot or, via an OCR pipeline, into recognized
// text.
package screen

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// Monitor is the subset of qmonitor.Channel the screen package needs.
type Monitor interface {
	Command(command string) (string, error)
}

// magickArgs is the image-enhancement pipeline applied before OCR: filter,
// density, contrast, despeckle, grayscale, sharpen, posterize, negate,
// gamma, blur.
const magickArgs = "-filter Catrom -density 72 -resample 300 " +
	"-contrast -normalize -despeckle -type grayscale " +
	"-sharpen 1 -posterize 3 -negate -gamma 100 -blur 1x65535"

// tesseractArgs configures the OCR engine for sparse text
// (page-segmentation-mode 11).
const tesseractArgs = "-c debug_file=/dev/null --psm 11 --oem 2"

var wordPattern = regexp.MustCompile(`^\w+$`)

// ConversionError reports a non-zero exit from the pixmap->PNG converter.
type ConversionError struct{}

func (e *ConversionError) Error() string { return "cannot convert screenshot" }

// OCRUnavailableError reports that the OCR binary could not be found on
// the host; requesting OCR when it is absent is a fatal, not retried,
// error.
type OCRUnavailableError struct{}

func (e *OCRUnavailableError) Error() string { return "get_screen_text used but OCR is unavailable" }

// Grabber issues screendump requests against a monitor channel and
// post-processes the result.
type Grabber struct {
	Monitor Monitor
	OutDir  string // defaults to cwd, overridden by the `out` env var
}

// Screenshot writes a PNG screenshot of the current display to filename. A
// bare word is resolved under OutDir with a ".png" suffix.
func (g *Grabber) Screenshot(filename string) error {
	if wordPattern.MatchString(filename) {
		filename = filepath.Join(g.OutDir, filename+".png")
	}
	tmp := filename + ".ppm"

	if _, err := g.Monitor.Command("screendump " + tmp); err != nil {
		return errors.Wrap(err, "failed to request screendump")
	}
	defer os.Remove(tmp)

	cmd := exec.Command("pnmtopng", tmp)
	out, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create screenshot output file")
	}
	defer out.Close()
	cmd.Stdout = out

	if err := cmd.Run(); err != nil {
		return &ConversionError{}
	}
	return nil
}

// lookPath is a seam for tests.
var lookPath = exec.LookPath

// Text requests a screendump and pipes it through the image-enhancement
// pipeline and OCR engine, returning the recognized text.
func (g *Grabber) Text() (string, error) {
	if _, err := lookPath("tesseract"); err != nil {
		return "", &OCRUnavailableError{}
	}

	tmp, err := os.CreateTemp("", "vmtest-screendump-")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary screendump file")
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if _, err := g.Monitor.Command("screendump " + tmpName); err != nil {
		return "", errors.Wrap(err, "failed to request screendump")
	}

	convert := exec.Command("convert", append(splitArgs(magickArgs), tmpName, "tiff:-")...)
	tesseract := exec.Command("tesseract", append([]string{"-", "-"}, splitArgs(tesseractArgs)...)...)

	pipe, err := convert.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "failed to pipe convert into tesseract")
	}
	tesseract.Stdin = pipe

	var outBuf, errBuf bytes.Buffer
	tesseract.Stdout = &outBuf
	tesseract.Stderr = &errBuf

	if err := tesseract.Start(); err != nil {
		return "", errors.Wrap(err, "failed to start tesseract")
	}
	if err := convert.Run(); err != nil {
		return "", errors.Wrap(err, "OCR failed: image conversion error")
	}
	if err := tesseract.Wait(); err != nil {
		return "", errors.Wrap(err, "OCR failed")
	}

	return outBuf.String(), nil
}
