// Package extract converts registered book files into plain text ready for
// segmentation. Headings are preserved as their own lines so retrieved
// passages keep some structural context.
package extract

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Extractor pulls the full text out of one file format.
type Extractor interface {
	Extract(r io.Reader, filename string) (string, error)
}

// SupportedExtensions lists file extensions the library may register.
var SupportedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".html": true,
	".htm":  true,
	".docx": true,
}

// Options tune extractor behavior.
type Options struct {
	// PDFFallbackPdftotext shells out to pdftotext when the Go PDF
	// library cannot extract anything.
	PDFFallbackPdftotext bool
}

// ForFile returns the extractor matching a filename's extension.
func ForFile(filename string, opts Options) (Extractor, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return &PDFExtractor{FallbackPdftotext: opts.PDFFallbackPdftotext}, nil
	case ".txt":
		return &TextExtractor{}, nil
	case ".md":
		return &MarkdownExtractor{}, nil
	case ".html", ".htm":
		return &HTMLExtractor{}, nil
	case ".docx":
		return &DOCXExtractor{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(filename))
	}
}

// IsSupportedExtension checks whether a filename can be extracted.
func IsSupportedExtension(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}
