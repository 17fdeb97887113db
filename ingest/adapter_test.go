package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_FullPageThenEmptyPage(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		if q.Get("pageNo") == "1" {
			return http.StatusOK, childcarePage(childcareItems(0, 200))
		}
		return http.StatusOK, childcarePage(nil)
	})
	rec := &recordingReconciler{}
	a := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), rec, testLogger(), nil)

	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 200, res.Fetched)
	assert.Equal(t, 200, res.Upserted)
	assert.Equal(t, 2, res.Pages)
}

func TestAdapter_ShortPageEndsWithoutNextRequest(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		return http.StatusOK, childcarePage(childcareItems(0, 150))
	})
	a := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 150, res.Fetched)
}

func TestAdapter_SendsPagingQuery(t *testing.T) {
	seen := make(chan url.Values, 1)
	srv, _ := registryServer(t, func(q url.Values) (int, string) {
		seen <- q
		return http.StatusOK, childcarePage(nil)
	})
	cfg := childcareConfig(srv.URL + "?type=json")
	cfg.PageSize = 75
	_, err := NewAdapter(ChildcarePortal(), cfg, &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)

	q := <-seen
	assert.Equal(t, "svc-key", q.Get("serviceKey"))
	assert.Equal(t, "1", q.Get("pageNo"))
	assert.Equal(t, "75", q.Get("numOfRows"))
	assert.Equal(t, "json", q.Get("type"))
}

func TestAdapter_SkipsItemsWithoutIdentityOrName(t *testing.T) {
	items := []map[string]any{
		childcareItem(1),
		{"crname": "코드 없는 시설"},
		{"stcode": "C99999", "crname": "   "},
	}
	srv, _ := registryServer(t, func(url.Values) (int, string) { return http.StatusOK, childcarePage(items) })
	rec := &recordingReconciler{}

	res, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), rec, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "C00001", rec.all()[0].SourceFacilityID)
}

func TestAdapter_NonObjectElementIsSkipped(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		if q.Get("pageNo") != "1" {
			return http.StatusOK, childcarePage(nil)
		}
		return http.StatusOK, `{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":[
			{"stcode":"C1","crname":"해님어린이집"},
			null,
			{"stcode":"C2","crname":"달님어린이집"}
		]}}}}`
	})
	cfg := childcareConfig(srv.URL)
	cfg.PageSize = 3
	rec := &recordingReconciler{}
	m := NewMetrics(nil)

	res, err := NewAdapter(ChildcarePortal(), cfg, rec, testLogger(), m).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Upserted)
	// The null still counts toward a full page, so page 2 is requested.
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsSkipped.WithLabelValues(SourceChildcarePortal)))

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, "C2", got[1].SourceFacilityID)
}

func TestAdapter_ChildcareNormalization(t *testing.T) {
	item := map[string]any{
		"stcode":       " 11110000001 ",
		"crname":       "해님   어린이집",
		"sidoname":     "서울특별시",
		"sigunname":    "종로구",
		"craddr":       "서울특별시 종로구 1",
		"la":           "37.57",
		"lo":           "0",
		"crstatusname": "휴지",
		"crtypename":   "국공립",
		"crcapat":      "1,200",
		"crchcnt":      "",
		"crcnfmdt":     "20150302",
		"crcargbname":  "운영",
	}
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusOK, childcarePage([]map[string]any{item})
	})
	rec := &recordingReconciler{}
	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), rec, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.all(), 1)

	r := rec.all()[0]
	assert.Equal(t, SourceChildcarePortal, r.Source)
	assert.Equal(t, TypeChildcare, r.Type)
	assert.Equal(t, "11110000001", r.SourceFacilityID)
	assert.Equal(t, "해님 어린이집", r.Name)
	assert.Equal(t, "종로구", *r.Sigungu)
	require.NotNil(t, r.Latitude)
	assert.InDelta(t, 37.57, *r.Latitude, 1e-9)
	assert.Nil(t, r.Longitude)
	assert.Equal(t, StatusSuspended, *r.Status)
	assert.Equal(t, 1200, *r.Capacity)
	assert.Nil(t, r.CurrentEnrolled)
	assert.Equal(t, "2015-03-02", *r.ApprovedDate)
	assert.True(t, *r.BusOperated)
	assert.Len(t, r.PayloadHash, 64)
	assert.Len(t, r.DataHash, 64)
}

func TestAdapter_FieldMapOverride(t *testing.T) {
	item := map[string]any{"FAC_ID": "X1", "FAC_NM": "새 스키마"}
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusOK, childcarePage([]map[string]any{item})
	})
	cfg := childcareConfig(srv.URL)
	cfg.FieldMap = FieldMap{"source_facility_id": {"FAC_ID"}, "name": {"FAC_NM"}}
	rec := &recordingReconciler{}

	res, err := NewAdapter(ChildcarePortal(), cfg, rec, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, "X1", rec.all()[0].SourceFacilityID)
}

func TestAdapter_KindergartenFansOutOverRegions(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		sido := q.Get("sidoCode")
		return http.StatusOK, kinderPage([]map[string]any{
			{"kinderCode": "K" + sido + "-1", "kindername": "유치원 " + sido, "ppcnt3": "10", "ppcnt4": "12", "prmstfcnt": "60", "establish": "사립"},
			{"kinderCode": "K" + sido + "-2", "kindername": "유치원 " + sido + "-2"},
		})
	})
	cfg := SourceConfig{
		Endpoint:    srv.URL,
		Credential:  "kinder-key",
		PageSize:    10,
		RegionPairs: RegionPairs{{SidoCode: 11, SggCode: 110}, {SidoCode: 26, SggCode: 260}},
	}
	rec := &recordingReconciler{}

	res, err := NewAdapter(ChildSchoolInfo(), cfg, rec, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 4, res.Fetched)

	got := rec.all()
	require.Len(t, got, 4)
	first := got[0]
	assert.Equal(t, "K11-1", first.SourceFacilityID)
	assert.Equal(t, TypeKindergarten, first.Type)
	assert.Equal(t, 22, *first.CurrentEnrolled)
	assert.Equal(t, 60, *first.Capacity)
	assert.Equal(t, "사립", *first.FacilityTypeDetail)
	assert.Equal(t, 11, first.Extension["sido_code"])
	assert.Equal(t, 260, got[2].Extension["sigungu_code"])
	assert.Nil(t, got[1].CurrentEnrolled)
}

func TestAdapter_KindergartenQuery(t *testing.T) {
	q := kindergartenQuery(SourceConfig{Credential: "k", PageSize: 50, Timing: "2024-1"}, &RegionPair{SidoCode: 11, SggCode: 110}, 3)
	assert.Equal(t, "k", q.Get("key"))
	assert.Equal(t, "11", q.Get("sidoCode"))
	assert.Equal(t, "110", q.Get("sggCode"))
	assert.Equal(t, "50", q.Get("pageCnt"))
	assert.Equal(t, "3", q.Get("currentPage"))
	assert.Equal(t, "2024-1", q.Get("timing"))

	q = kindergartenQuery(SourceConfig{Credential: "k", PageSize: 50}, &RegionPair{SidoCode: 11, SggCode: 110}, 1)
	assert.False(t, q.Has("timing"))
}

func TestAdapter_ConfigErrorBeforeNetwork(t *testing.T) {
	srv, hits := registryServer(t, func(url.Values) (int, string) { return http.StatusOK, childcarePage(nil) })

	cases := []struct {
		name string
		reg  Registry
		cfg  SourceConfig
	}{
		{"no endpoint", ChildcarePortal(), SourceConfig{Credential: "k"}},
		{"no credential", ChildcarePortal(), SourceConfig{Endpoint: srv.URL}},
		{"bad endpoint", ChildcarePortal(), SourceConfig{Endpoint: "not a url", Credential: "k"}},
		{"no regions", ChildSchoolInfo(), SourceConfig{Endpoint: srv.URL, Credential: "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAdapter(tc.reg, tc.cfg, &recordingReconciler{}, testLogger(), nil).Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestAdapter_NonSuccessStatusIsFetchError(t *testing.T) {
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusInternalServerError, "upstream exploded for key svc-key"
	})
	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFetch)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	assert.Contains(t, fe.Body, "upstream exploded")
	assert.NotContains(t, err.Error(), "svc-key")
	assert.Contains(t, fe.URL, "serviceKey=REDACTED")
}

func TestAdapter_ResultCodeFailureIsFetchError(t *testing.T) {
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusOK, `{"response":{"header":{"resultCode":"30","resultMsg":"SERVICE KEY IS NOT REGISTERED ERROR."}}}`
	})
	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Contains(t, err.Error(), "SERVICE KEY IS NOT REGISTERED")
}

func TestAdapter_GatewayErrorBodyIsFetchError(t *testing.T) {
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusOK, `<OpenAPI_ServiceResponse><cmmMsgHeader><errMsg>SERVICE ERROR</errMsg><returnAuthMsg>SERVICE_KEY_IS_NOT_REGISTERED_ERROR</returnAuthMsg><returnReasonCode>30</returnReasonCode></cmmMsgHeader></OpenAPI_ServiceResponse>`
	})
	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Contains(t, err.Error(), "SERVICE_KEY_IS_NOT_REGISTERED_ERROR")
}

func TestAdapter_UndecodableBodyIsSchemaError(t *testing.T) {
	srv, _ := registryServer(t, func(q url.Values) (int, string) {
		if q.Get("pageNo") == "1" {
			return http.StatusOK, childcarePage(childcareItems(0, 2))
		}
		return http.StatusOK, "Service temporarily unavailable"
	})
	cfg := childcareConfig(srv.URL)
	cfg.PageSize = 2
	res, err := NewAdapter(ChildcarePortal(), cfg, &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.ErrorIs(t, err, ErrSchema)

	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Page)
	assert.Equal(t, 2, res.Fetched)
}

func TestAdapter_MissingItemPathIsSchemaError(t *testing.T) {
	srv, _ := registryServer(t, func(url.Values) (int, string) { return http.StatusOK, `{"rows":[]}` })
	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrSchema)
}

func TestAdapter_SecondPageFailureKeepsCounters(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		if q.Get("pageNo") == "1" {
			return http.StatusOK, childcarePage(childcareItems(0, 40))
		}
		return http.StatusBadGateway, "bad gateway"
	})
	cfg := childcareConfig(srv.URL)
	cfg.PageSize = 40

	res, err := NewAdapter(ChildcarePortal(), cfg, &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 40, res.Fetched)
	assert.Equal(t, 40, res.Upserted)
}

func TestAdapter_PersistenceFailureAbortsPage(t *testing.T) {
	srv, _ := registryServer(t, func(url.Values) (int, string) {
		return http.StatusOK, childcarePage(childcareItems(0, 5))
	})
	rec := &recordingReconciler{failAt: 3}
	res, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), rec, testLogger(), nil).Run(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Upserted)
	assert.Len(t, rec.all(), 2)
}

func TestAdapter_MaxPages(t *testing.T) {
	srv, hits := registryServer(t, func(q url.Values) (int, string) {
		page, _ := strconv.Atoi(q.Get("pageNo"))
		return http.StatusOK, childcarePage(childcareItems(page*10, 10))
	})
	cfg := childcareConfig(srv.URL)
	cfg.PageSize = 10
	cfg.MaxPages = 3

	res, err := NewAdapter(ChildcarePortal(), cfg, &recordingReconciler{}, testLogger(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 30, res.Fetched)
}

func TestAdapter_CancelledContext(t *testing.T) {
	srv, hits := registryServer(t, func(url.Values) (int, string) { return http.StatusOK, childcarePage(nil) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAdapter(ChildcarePortal(), childcareConfig(srv.URL), &recordingReconciler{}, testLogger(), nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), hits.Load())
}
