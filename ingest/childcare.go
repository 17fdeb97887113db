package ingest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	SourceChildcarePortal = "childcare_portal"
	TypeChildcare         = "childcare"
)

var childcareFields = FieldMap{
	"source_facility_id":   {"facilityCode", "시설코드", "stcode", "STCODE"},
	"name":                 {"facilityName", "보육시설명", "crname", "CRNAME"},
	"sido":                 {"sido", "시도", "sidoname"},
	"sigungu":              {"sigungu", "시군구", "sigunname"},
	"eupmyeondong":         {"eupmyeondong", "읍면동"},
	"address":              {"address", "주소", "craddr"},
	"latitude":             {"latitude", "위도", "la"},
	"longitude":            {"longitude", "경도", "lo"},
	"status":               {"status", "운영현황", "crstatusname"},
	"facility_type_detail": {"facilityType", "어린이집유형구분", "crtypename"},
	"postal_code":          {"zip", "우편번호", "zipcode"},
	"phone":                {"phone", "어린이집전화번호", "crtelno"},
	"fax":                  {"fax", "어린이집팩스번호", "crfaxno"},
	"homepage_url":         {"url", "홈페이지주소", "crhome"},
	"approved_date":        {"approvedDate", "인가일자", "crcnfmdt"},
	"capacity":             {"capacity", "정원수", "정원", "crcapat"},
	"current_enrolled":     {"current", "현원수", "crchcnt"},
	"teachers_count":       {"teachers", "보육교직원수", "chcrtescnt"},
	"classrooms_count":     {"classrooms", "보육실수", "nrtrroomcnt"},
	"cctv_count":           {"cctv", "CCTV설치수", "cctvinstlcnt"},
	"bus_operated":         {"busOperated", "통학차량운영여부", "crcargbname"},
}

// ChildcarePortal is the national childcare portal feed published through
// data.go.kr. It is paginated with pageNo/numOfRows and authenticated with a
// serviceKey query parameter.
func ChildcarePortal() Registry {
	return Registry{
		Name:         SourceChildcarePortal,
		Type:         TypeChildcare,
		Aliases:      []string{"childcare", SourceChildcarePortal},
		Fields:       childcareFields,
		ItemPaths:    []string{"response.body.items.item", "response.body.items", "items", "data"},
		SecretParams: []string{"serviceKey"},
		Query:        childcareQuery,
		Envelope:     dataGoKrEnvelope,
		Normalize:    normalizeChildcare,
	}
}

func childcareQuery(cfg SourceConfig, _ *RegionPair, page int) url.Values {
	q := url.Values{}
	q.Set("serviceKey", cfg.Credential)
	q.Set("pageNo", strconv.Itoa(page))
	q.Set("numOfRows", strconv.Itoa(cfg.PageSize))
	return q
}

var dataGoKrSuccess = map[string]bool{"00": true, "0": true, "000": true, "0000": true}

// dataGoKrEnvelope turns the gateway's in-band errors into failures. A
// rejected key comes back as 200 with an OpenAPI_ServiceResponse body.
func dataGoKrEnvelope(doc any) error {
	if v, ok := lookupPath(doc, "OpenAPI_ServiceResponse.cmmMsgHeader"); ok {
		code, _ := lookupPath(v, "returnReasonCode")
		msg, _ := lookupPath(v, "returnAuthMsg")
		if msg == nil {
			msg, _ = lookupPath(v, "errMsg")
		}
		return fmt.Errorf("gateway error %s: %s", rawString(code), rawString(msg))
	}
	v, ok := lookupPath(doc, "response.header.resultCode")
	if !ok {
		return nil
	}
	code := strings.TrimSpace(rawString(v))
	if code == "" || dataGoKrSuccess[code] {
		return nil
	}
	msg, _ := lookupPath(doc, "response.header.resultMsg")
	return fmt.Errorf("result code %s: %s", code, rawString(msg))
}

func normalizeChildcare(r fieldReader, _ *RegionPair) (*Record, string) {
	id := r.identity("source_facility_id")
	if id == "" {
		return nil, "missing source_facility_id"
	}
	name := r.text("name")
	if name == nil {
		return nil, "missing name"
	}
	return &Record{
		SourceFacilityID:   id,
		Name:               *name,
		Sido:               r.text("sido"),
		Sigungu:            r.text("sigungu"),
		Eupmyeondong:       r.text("eupmyeondong"),
		Address:            r.text("address"),
		Latitude:           r.coord("latitude"),
		Longitude:          r.coord("longitude"),
		Status:             r.status("status"),
		FacilityTypeDetail: r.text("facility_type_detail"),
		PostalCode:         r.text("postal_code"),
		Phone:              r.text("phone"),
		Fax:                r.text("fax"),
		HomepageURL:        r.text("homepage_url"),
		ApprovedDate:       r.date("approved_date"),
		Capacity:           r.integer("capacity"),
		CurrentEnrolled:    r.integer("current_enrolled"),
		TeachersCount:      r.integer("teachers_count"),
		ClassroomsCount:    r.integer("classrooms_count"),
		CCTVCount:          r.integer("cctv_count"),
		BusOperated:        r.boolean("bus_operated"),
	}, ""
}
