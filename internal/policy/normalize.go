package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

var (
	scriptRe      = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe       = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

// Document is a policy source reduced to comparable text.
type Document struct {
	Title string
	Text  string
}

// Normalizer turns fetched bodies into Documents. It is safe for concurrent
// use.
type Normalizer struct {
	converter *md.Converter
}

// NewNormalizer creates a normalizer with GitHub flavoured markdown output.
func NewNormalizer() *Normalizer {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Normalizer{converter: conv}
}

// Normalize converts body to text. HTML is decoded from its declared
// charset, converted to markdown and its title captured. contentType may be
// empty, in which case it is sniffed.
func (n *Normalizer) Normalize(body []byte, contentType string) (Document, error) {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return Document{Text: NormalizeText(string(body))}, nil
	}

	enc, _, _ := charset.DetermineEncoding(body, contentType)
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return Document{}, eris.Wrap(err, "policy: decode charset")
	}

	title := extractTitle(decoded)
	cleaned := styleRe.ReplaceAll(scriptRe.ReplaceAll(decoded, nil), nil)
	markdown, err := n.converter.ConvertBytes(cleaned)
	if err != nil {
		return Document{}, eris.Wrap(err, "policy: convert html")
	}
	return Document{Title: NormalizeText(title), Text: NormalizeText(string(markdown))}, nil
}

// NormalizeText applies NFKC, unifies line endings and trims trailing
// whitespace so cosmetic differences do not change the content hash.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingSpace.ReplaceAllString(s+"\n", "\n")
	s = blankRunsRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// ContentHash is the hex sha256 of normalised text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DerivePolicyID returns the first 16 hex characters of sha256(source).
func DerivePolicyID(source string) string {
	return ContentHash(source)[:16]
}

func extractTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
