package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mystery000/sainsburys-scraper/internal/crawler"
	collyfetcher "github.com/mystery000/sainsburys-scraper/internal/fetcher/colly"
	"github.com/mystery000/sainsburys-scraper/internal/fetcher/pool"
	"github.com/mystery000/sainsburys-scraper/internal/normalize"
	"github.com/mystery000/sainsburys-scraper/internal/orchestrator"
	"github.com/mystery000/sainsburys-scraper/internal/progress"
	pubmemory "github.com/mystery000/sainsburys-scraper/internal/publisher/memory"
	"github.com/mystery000/sainsburys-scraper/internal/sink"
	"github.com/mystery000/sainsburys-scraper/internal/storage/memory"
)

func directPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(collyfetcher.NewConnector(collyfetcher.Config{Timeout: 5 * time.Second}))
	require.NoError(t, err)
	return p
}

func linksOptions(t *testing.T, s *shop, file string) LinksOptions {
	t.Helper()
	return LinksOptions{
		RunID:      uuid.NewString(),
		Seeds:      seedList(s.seeds()),
		Connectors: directPool(t),
		Workers:    2,
		File:       file,
		Mode:       sink.ModeTruncate,
		WithID:     true,
		Dedup:      true,
	}
}

func TestLinksCollectsEveryPage(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	file := filepath.Join(t.TempDir(), "product_links.csv")
	rec := &recorder{}
	p := New(zaptest.NewLogger(t), WithEmitter(rec))

	res, err := p.Links(context.Background(), linksOptions(t, s, file))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Inputs)
	assert.Equal(t, 239, res.Rows)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Duplicates)
	assert.False(t, res.Report.Interrupted)
	assert.Empty(t, res.Report.Failed())
	assert.Equal(t, 239, res.Report.Output())

	header, rows, err := sink.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "link"}, header)
	require.Len(t, rows, 239)
	seen := map[string]bool{}
	for i, row := range rows {
		require.Len(t, row, 2)
		assert.Equal(t, strconv.Itoa(i+1), row[0])
		assert.True(t, strings.HasPrefix(row[1], s.srv.URL+"/shop/gb/groceries/product/details/"), row[1])
		assert.False(t, seen[row[1]], "duplicate link %s", row[1])
		seen[row[1]] = true
	}
	assert.True(t, seen[s.productLink("cat1-0")])
	assert.True(t, seen[s.productLink("cat2-119")])
	assert.False(t, seen[s.productLink("cat2-70")])

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "id,link"))

	assert.Len(t, rec.stages(progress.StageRunStart), 1)
	done := rec.stages(progress.StageRunDone)
	require.Len(t, done, 1)
	assert.EqualValues(t, 239, done[0].Rows)
	skipped := rec.stages(progress.StageItemSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonMalformed, skipped[0].Note)
	// Two seed pages plus two listing pages per category.
	assert.Len(t, rec.stages(progress.StageFetchDone), 6)
}

func TestLinksResumeSkipsKnownLinks(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	file := filepath.Join(t.TempDir(), "product_links.csv")
	p := New(zaptest.NewLogger(t))

	first, err := p.Links(context.Background(), linksOptions(t, s, file))
	require.NoError(t, err)
	require.Equal(t, 239, first.Rows)

	opts := linksOptions(t, s, file)
	opts.Mode = sink.ModeResume
	second, err := p.Links(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, second.Rows)
	assert.Equal(t, 239, second.Duplicates)

	_, rows, err := sink.ReadAll(file)
	require.NoError(t, err)
	assert.Len(t, rows, 239)
}

func TestLinksUnavailableTreeMeansNoSeeds(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "product_links.csv")
	require.NoError(t, os.WriteFile(file, []byte("id,link\n1,https://example.test/a\n"), 0o600))
	rec := &recorder{}
	p := New(zaptest.NewLogger(t), WithEmitter(rec))

	res, err := p.Links(context.Background(), LinksOptions{
		RunID:      uuid.NewString(),
		Seeds:      failingSeeds{err: fmt.Errorf("%w: tree 503", crawler.ErrUpstreamUnavailable)},
		Connectors: directPool(t),
		Workers:    2,
		File:       file,
		Mode:       sink.ModeTruncate,
		WithID:     true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Inputs)
	assert.Zero(t, res.Rows)
	assert.Empty(t, res.ExportURI)

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "id,link\n1,https://example.test/a\n", string(raw))
	assert.Len(t, rec.stages(progress.StageRunError), 1)
	assert.Empty(t, rec.stages(progress.StageRunDone))
}

func TestLinksSeedSetupFailureIsReturned(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "product_links.csv")
	rec := &recorder{}
	p := New(zaptest.NewLogger(t), WithEmitter(rec))

	_, err := p.Links(context.Background(), LinksOptions{
		RunID:      uuid.NewString(),
		Seeds:      failingSeeds{err: errors.New("seed cache unreadable")},
		Connectors: directPool(t),
		File:       file,
		Mode:       sink.ModeTruncate,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, crawler.ErrUpstreamUnavailable)
	assert.NoFileExists(t, file)
	assert.Len(t, rec.stages(progress.StageRunError), 1)
}

func TestLinksMissingConnectors(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	opts := linksOptions(t, s, filepath.Join(t.TempDir(), "links.csv"))
	opts.Connectors = nil

	_, err := New(nil).Links(context.Background(), opts)
	assert.ErrorIs(t, err, crawler.ErrNoConnectors)
}

func writeLinks(t *testing.T, links ...string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,link\n")
	for i, l := range links {
		b.WriteString(strconv.Itoa(i+1) + "," + l + "\n")
	}
	file := filepath.Join(t.TempDir(), "product_links.csv")
	require.NoError(t, os.WriteFile(file, []byte(b.String()), 0o600))
	return file
}

func TestProductsNormalizesAndSkipsFailures(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	s.failing["cat1-3"] = true
	s.empty["cat1-4"] = true
	linksFile := writeLinks(t,
		s.productLink("cat1-1"),
		s.productLink("cat1-2"),
		s.productLink("cat1-3"),
		s.productLink("cat1-4"),
		s.srv.URL+"/shop/gb/groceries/not-a-product",
		s.productLink("cat1-5"),
		s.productLink("cat1-1"),
	)
	out := filepath.Join(t.TempDir(), "products.csv")
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	rec := &recorder{}
	p := New(zaptest.NewLogger(t), WithEmitter(rec))

	res, err := p.Products(context.Background(), ProductsOptions{
		RunID:         uuid.NewString(),
		LinksFile:     linksFile,
		Connectors:    directPool(t),
		Workers:       3,
		File:          out,
		Mode:          sink.ModeTruncate,
		DetailAPIBase: s.apiBase(),
		Normalizer:    normalize.New("", fixedClock{t: now}),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Inputs)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 3, res.Skipped)

	header, rows, err := sink.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, sink.ProductColumns, header)
	require.Len(t, rows, 3)

	byURL := map[string][]string{}
	for _, row := range rows {
		byURL[row[9]] = row
	}
	row, ok := byURL[s.productLink("cat1-2")]
	require.True(t, ok)
	assert.Equal(t, []string{
		"Sainsburys",
		"Item cat1-2",
		"About cat1-2",
		"About cat1-2\nMore",
		"1.25",
		"1",
		"4.5",
		"4",
		"Fruit,Apples",
		s.productLink("cat1-2"),
		"https://img.example/cat1-2.jpg",
		"500g",
		"Vegan",
		"09/03/2024 14:05:06",
	}, row)

	reasons := map[string]int{}
	for _, e := range rec.stages(progress.StageItemSkipped) {
		reasons[e.Note]++
	}
	assert.Equal(t, map[string]int{ReasonFetch: 1, ReasonPayload: 1, ReasonLink: 1}, reasons)
}

func TestProductsMissingLinksFile(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "products.csv")
	_, err := New(nil).Products(context.Background(), ProductsOptions{
		RunID:      uuid.NewString(),
		LinksFile:  filepath.Join(t.TempDir(), "missing.csv"),
		Connectors: directPool(t),
		File:       out,
		Normalizer: normalize.New("", fixedClock{}),
	})
	require.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestLinksExportsFinishedFile(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	file := filepath.Join(t.TempDir(), "product_links.csv")
	store := memory.NewBlobStore()
	pub := pubmemory.New()
	exporter, err := NewExporter(store, pub, ExportConfig{Prefix: "exports", Topic: "scrapes"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	p := New(zaptest.NewLogger(t), WithExporter(exporter))

	opts := linksOptions(t, s, file)
	res, err := p.Links(context.Background(), opts)
	require.NoError(t, err)

	objectPath := "exports/" + opts.RunID + "/product_links.csv"
	assert.Equal(t, "memory://"+objectPath, res.ExportURI)
	obj, ok := store.Get(objectPath)
	require.True(t, ok)
	assert.Equal(t, CSVContentType, obj.ContentType)
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, raw, obj.Data)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "scrapes", msgs[0].Topic)
	var done CompletionMessage
	require.NoError(t, msgs[0].Decode(&done))
	assert.Equal(t, CompletionMessage{
		RunID: opts.RunID,
		Stage: crawler.StageLinks,
		File:  "product_links.csv",
		Rows:  239,
		URI:   res.ExportURI,
	}, done)
}

func TestInterruptedRunIsNotExported(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	store := memory.NewBlobStore()
	exporter, err := NewExporter(store, nil, ExportConfig{}, nil)
	require.NoError(t, err)
	rec := &recorder{}
	p := New(zaptest.NewLogger(t), WithExporter(exporter), WithEmitter(rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := linksOptions(t, s, filepath.Join(t.TempDir(), "links.csv"))
	opts.GracePeriod = time.Second
	res, err := p.Links(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Report.Interrupted)
	assert.Empty(t, store.Paths())
	assert.Empty(t, res.ExportURI)

	errs := rec.stages(progress.StageRunError)
	require.Len(t, errs, 1)
	assert.Equal(t, "interrupted", errs[0].Note)
}

func TestExportKeepsURIWhenPublishFails(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "products.csv")
	require.NoError(t, os.WriteFile(file, []byte("source\nSainsburys\n"), 0o600))
	store := memory.NewBlobStore()
	exporter, err := NewExporter(store, pubmemory.Failing(errors.New("topic gone")), ExportConfig{Topic: "t"}, nil)
	require.NoError(t, err)

	uri, err := exporter.Export(context.Background(), StageResult{RunID: "r1", Stage: crawler.StageProducts, File: file, Rows: 1})
	require.NoError(t, err)
	assert.Equal(t, "memory://r1/products.csv", uri)
}

func TestExportMissingFile(t *testing.T) {
	t.Parallel()

	exporter, err := NewExporter(memory.NewBlobStore(), nil, ExportConfig{}, nil)
	require.NoError(t, err)
	_, err = exporter.Export(context.Background(), StageResult{RunID: "r1", File: filepath.Join(t.TempDir(), "nope.csv")})
	require.Error(t, err)

	_, err = NewExporter(nil, nil, ExportConfig{}, nil)
	require.Error(t, err)
}

func TestStageReportsPartitionOutcomes(t *testing.T) {
	t.Parallel()

	s := newShop(t)
	opts := linksOptions(t, s, filepath.Join(t.TempDir(), "links.csv"))
	opts.Workers = 3

	res, err := New(nil).Links(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, res.Report.Partitions, 3)
	outcomes := []string{}
	for _, part := range res.Report.Partitions {
		outcomes = append(outcomes, part.Outcome)
	}
	// Two seeds over three workers: the last partition takes both.
	assert.Equal(t, []string{orchestrator.OutcomeEmpty, orchestrator.OutcomeEmpty, orchestrator.OutcomeOK}, outcomes)
}
