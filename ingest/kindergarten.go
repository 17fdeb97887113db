package ingest

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	SourceChildSchoolInfo = "e_childschoolinfo"
	TypeKindergarten      = "kindergarten"
)

var kindergartenFields = FieldMap{
	"source_facility_id": {"kinderCode"},
	"name":               {"kindername", "kinderName"},
	"address":            {"addr"},
	"phone":              {"telno"},
	"fax":                {"faxno"},
	"homepage_url":       {"hpaddr"},
	"latitude":           {"lttdcdnt", "latitude"},
	"longitude":          {"lngtcdnt", "longitude"},
	"founded_date":       {"edate"},
	"opened_date":        {"odate"},
	"office_edu":         {"officeedu"},
	"sub_office_edu":     {"subofficeedu"},
	"establish":          {"establish"},
	"oper_time":          {"opertime"},
	"disclosure_timing":  {"pbnttmng"},

	"capacity_total":   {"prmstfcnt"},
	"capacity_age3":    {"ag3fpcnt"},
	"capacity_age4":    {"ag4fpcnt"},
	"capacity_age5":    {"ag5fpcnt"},
	"capacity_mix":     {"mixfpcnt"},
	"capacity_special": {"spcnfpcnt"},

	"enrolled_age3":    {"ppcnt3"},
	"enrolled_age4":    {"ppcnt4"},
	"enrolled_age5":    {"ppcnt5"},
	"enrolled_mix":     {"mixppcnt"},
	"enrolled_special": {"shppcnt"},

	"class_age3":    {"clcnt3"},
	"class_age4":    {"clcnt4"},
	"class_age5":    {"clcnt5"},
	"class_mix":     {"mixclcnt"},
	"class_special": {"shclcnt"},
}

// ChildSchoolInfo is the kindergarten disclosure registry
// (e-childschoolinfo basicInfo2). It only answers per (sidoCode, sggCode)
// region, so it is paginated once per configured pair.
func ChildSchoolInfo() Registry {
	return Registry{
		Name:         SourceChildSchoolInfo,
		Type:         TypeKindergarten,
		Aliases:      []string{"kindergarten", SourceChildSchoolInfo},
		Fields:       kindergartenFields,
		ItemPaths:    []string{"kinderInfo", "data"},
		SecretParams: []string{"key"},
		RegionScoped: true,
		Query:        kindergartenQuery,
		Normalize:    normalizeKindergarten,
	}
}

func kindergartenQuery(cfg SourceConfig, region *RegionPair, page int) url.Values {
	q := url.Values{}
	q.Set("key", cfg.Credential)
	if region != nil {
		q.Set("sidoCode", strconv.Itoa(region.SidoCode))
		q.Set("sggCode", strconv.Itoa(region.SggCode))
	}
	q.Set("pageCnt", strconv.Itoa(cfg.PageSize))
	q.Set("currentPage", strconv.Itoa(page))
	if t := strings.TrimSpace(cfg.Timing); t != "" {
		q.Set("timing", t)
	}
	return q
}

func ageBreakdown(r fieldReader, prefix string, withTotal bool) map[string]any {
	out := map[string]any{
		"age3":    r.integer(prefix + "_age3"),
		"age4":    r.integer(prefix + "_age4"),
		"age5":    r.integer(prefix + "_age5"),
		"mix":     r.integer(prefix + "_mix"),
		"special": r.integer(prefix + "_special"),
	}
	if withTotal {
		out["total"] = r.integer(prefix + "_total")
	}
	return out
}

func normalizeKindergarten(r fieldReader, region *RegionPair) (*Record, string) {
	id := r.identity("source_facility_id")
	if id == "" {
		return nil, "missing source_facility_id"
	}
	name := r.text("name")
	if name == nil {
		return nil, "missing name"
	}

	current := sumInts(
		r.integer("enrolled_age3"),
		r.integer("enrolled_age4"),
		r.integer("enrolled_age5"),
		r.integer("enrolled_mix"),
		r.integer("enrolled_special"),
	)

	ext := map[string]any{
		"office_edu":        r.text("office_edu"),
		"sub_office_edu":    r.text("sub_office_edu"),
		"establish":         r.text("establish"),
		"founded_date":      r.date("founded_date"),
		"opened_date":       r.date("opened_date"),
		"oper_time":         r.text("oper_time"),
		"disclosure_timing": r.text("disclosure_timing"),
		"class_count":       ageBreakdown(r, "class", false),
		"capacity_by_age":   ageBreakdown(r, "capacity", true),
		"enrolled_by_age":   ageBreakdown(r, "enrolled", false),
	}
	if region != nil {
		ext["sido_code"] = region.SidoCode
		ext["sigungu_code"] = region.SggCode
	}

	return &Record{
		SourceFacilityID:   id,
		Name:               *name,
		Address:            r.text("address"),
		Latitude:           r.coord("latitude"),
		Longitude:          r.coord("longitude"),
		FacilityTypeDetail: r.text("establish"),
		Phone:              r.text("phone"),
		Fax:                r.text("fax"),
		HomepageURL:        r.text("homepage_url"),
		ApprovedDate:       r.date("founded_date"),
		Capacity:           r.integer("capacity_total"),
		CurrentEnrolled:    current,
		Extension:          ext,
	}, ""
}
