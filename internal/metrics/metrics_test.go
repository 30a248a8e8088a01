package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Nyaa.si/?page=rss", "nyaa.si"},
		{"no scheme", "nyaa.si/view/1", "nyaa.si"},
		{"host with port", "localhost:8080", "localhost"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, itemsFoundTotal)
	require.NotNil(t, tasksTotal)
	require.NotNil(t, governorInFlight)
}

func TestObserveDownload(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(torrentsDownloadedTotal.WithLabelValues("4242"))
	errBefore := testutil.ToFloat64(torrentsErrorsTotal.WithLabelValues("4242"))

	ObserveDownload(4242, nil)
	ObserveDownload(4242, errors.New("boom"))
	ObserveDownload(4242, errors.New("boom"))

	require.InDelta(t, okBefore+1, testutil.ToFloat64(torrentsDownloadedTotal.WithLabelValues("4242")), 0.001)
	require.InDelta(t, errBefore+2, testutil.ToFloat64(torrentsErrorsTotal.WithLabelValues("4242")), 0.001)
}

func TestObserveItemsFoundIgnoresZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(itemsFoundTotal.WithLabelValues("7"))

	ObserveItemsFound(7, 0)
	ObserveItemsFound(7, 3)

	require.InDelta(t, before+3, testutil.ToFloat64(itemsFoundTotal.WithLabelValues("7")), 0.001)
}

func TestGovernorGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(governorInFlight)

	IncInFlight()
	IncInFlight()
	DecInFlight()

	require.InDelta(t, before+1, testutil.ToFloat64(governorInFlight), 0.001)
	DecInFlight()
}

func TestObserveExternalRequest(t *testing.T) {
	Init()
	ObserveExternalRequest("anilist", 120*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(externalRequestLatencySeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"https://nyaa.si", "http://localhost:8080", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
