package pricecharting

import (
	"context"
	"encoding/csv"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Guide is an in-memory snapshot of the bulk price-guide CSV, keyed by
// lowercased product name. It serves as a fallback when the product API is
// unreachable.
type Guide struct {
	fetchedAt time.Time
	byName    map[string]Product
}

// FetchedAt reports when the guide snapshot was downloaded.
func (g *Guide) FetchedAt() time.Time {
	return g.fetchedAt
}

// Len reports the number of guide entries.
func (g *Guide) Len() int {
	return len(g.byName)
}

// Find returns the guide entry whose product name matches the query, or nil.
func (g *Guide) Find(query string) *Product {
	if g == nil {
		return nil
	}
	if p, ok := g.byName[strings.ToLower(strings.TrimSpace(query))]; ok {
		return &p
	}
	return nil
}

// FeedOptions configures the guide downloader.
type FeedOptions struct {
	Timeout time.Duration
}

// FeedFetcher downloads the bulk price-guide CSV over FTP.
type FeedFetcher struct {
	opts FeedOptions
}

// NewFeedFetcher creates a guide downloader.
func NewFeedFetcher(opts FeedOptions) *FeedFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FeedFetcher{opts: opts}
}

// Fetch downloads and parses the guide at the given ftp:// URL.
func (f *FeedFetcher) Fetch(ctx context.Context, feedURL string) (*Guide, error) {
	host, path, err := parseFeedURL(feedURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("pricecharting: downloading guide",
		zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: ftp dial")
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, eris.Wrap(err, "pricecharting: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: ftp retrieve")
	}
	defer resp.Close()

	guide, err := ParseGuide(resp)
	if err != nil {
		return nil, err
	}
	guide.fetchedAt = time.Now().UTC()
	return guide, nil
}

func parseFeedURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "pricecharting: parse feed url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("pricecharting: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", eris.New("pricecharting: empty path in feed url")
	}
	return host, u.Path, nil
}

// ParseGuide reads the price-guide CSV. Expected columns include id,
// product-name, console-name, loose-price, graded-price; prices are in
// US cents. Rows with malformed prices are skipped.
func ParseGuide(r io.Reader) (*Guide, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: read guide header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "product-name", "loose-price"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("pricecharting: guide missing column %q", required)
		}
	}

	guide := &Guide{byName: make(map[string]Product)}
	skipped := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "pricecharting: read guide row")
		}

		p := Product{
			ID:          field(row, col, "id"),
			ProductName: field(row, col, "product-name"),
			ConsoleName: field(row, col, "console-name"),
		}
		if p.ProductName == "" {
			skipped++
			continue
		}
		if p.LoosePrice, err = cents(field(row, col, "loose-price")); err != nil {
			skipped++
			continue
		}
		p.GradedPrice, _ = cents(field(row, col, "graded-price"))
		p.CIBPrice, _ = cents(field(row, col, "cib-price"))
		p.NewPrice, _ = cents(field(row, col, "new-price"))

		guide.byName[strings.ToLower(p.ProductName)] = p
	}

	if skipped > 0 {
		zap.L().Warn("pricecharting: skipped malformed guide rows", zap.Int("skipped", skipped))
	}
	return guide, nil
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func cents(s string) (int64, error) {
	if s == "" {
		return 0, eris.New("empty price")
	}
	return strconv.ParseInt(s, 10, 64)
}
