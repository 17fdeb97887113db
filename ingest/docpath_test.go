package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"
)

func TestLocateItems_FirstPresentPathWins(t *testing.T) {
	doc, err := decodeDocument([]byte(`{"response":{"body":{"items":{"item":[{"stcode":"A"},{"stcode":"B"}]}}},"data":[{"stcode":"Z"}]}`))
	require.NoError(t, err)

	items, path, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	assert.Equal(t, "response.body.items.item", path)
	require.Len(t, items, 2)
	assert.Equal(t, "B", items[1]["stcode"])
}

func TestLocateItems_FlatItemsArray(t *testing.T) {
	doc, err := decodeDocument([]byte(`{"items":[{"stcode":"A"}]}`))
	require.NoError(t, err)

	items, path, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	assert.Equal(t, "items", path)
	assert.Len(t, items, 1)
}

func TestLocateItems_SingleObjectIsOnePage(t *testing.T) {
	doc := map[string]any{"kinderInfo": map[string]any{"kinderCode": "K1"}}
	items, _, err := locateItems(doc, []string{"kinderInfo"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "K1", items[0]["kinderCode"])
}

func TestLocateItems_EmptyElementIsEmptyPage(t *testing.T) {
	doc := map[string]any{"response": map[string]any{"body": map[string]any{"items": ""}}}
	items, path, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	assert.Equal(t, "response.body.items", path)
	assert.Empty(t, items)
}

func TestLocateItems_NoPathIsError(t *testing.T) {
	_, _, err := locateItems(map[string]any{"unexpected": []any{}}, []string{"kinderInfo", "data"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kinderInfo")
}

func TestLocateItems_NonObjectElementsKeepTheirSlot(t *testing.T) {
	items, _, err := locateItems(map[string]any{"data": []any{map[string]any{"a": 1}, nil, "x"}}, []string{"data"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NotNil(t, items[0])
	assert.Nil(t, items[1])
	assert.Nil(t, items[2])
}

func TestLocateItems_ScalarPathIsError(t *testing.T) {
	_, _, err := locateItems(map[string]any{"data": "oops"}, []string{"data"})
	assert.Error(t, err)
	_, _, err = locateItems(map[string]any{"data": 3.0}, []string{"data"})
	assert.Error(t, err)
}

func TestLookupPath_LiteralDottedKey(t *testing.T) {
	doc := map[string]any{"a.b": 1, "a": map[string]any{"b": 2}}
	v, ok := lookupPath(doc, "a.b")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestDecodeDocument_XML(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<response>
  <header><resultCode>00</resultCode><resultMsg>NORMAL SERVICE.</resultMsg></header>
  <body>
    <items>
      <item><stcode>11110000001</stcode><crname>해님어린이집</crname></item>
      <item><stcode>11110000002</stcode><crname>달님어린이집</crname></item>
    </items>
  </body>
</response>`
	doc, err := decodeDocument([]byte(body))
	require.NoError(t, err)

	code, ok := lookupPath(doc, "response.header.resultCode")
	require.True(t, ok)
	assert.Equal(t, "00", code)

	items, _, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "달님어린이집", items[1]["crname"])
}

func TestDecodeDocument_XMLSingleItem(t *testing.T) {
	doc, err := decodeDocument([]byte(`<response><body><items><item><stcode>A</stcode></item></items></body></response>`))
	require.NoError(t, err)
	items, _, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0]["stcode"])
}

func TestDecodeDocument_XMLDeclaredEUCKR(t *testing.T) {
	name, err := korean.EUCKR.NewEncoder().String("해님어린이집")
	require.NoError(t, err)
	body := `<?xml version="1.0" encoding="EUC-KR"?><response><body><items><item><crname>` + name + `</crname></item></items></body></response>`

	doc, err := decodeDocument([]byte(body))
	require.NoError(t, err)
	items, _, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "해님어린이집", items[0]["crname"])
}

func TestDecodeDocument_XMLDeclaredEUCKRButUTF8(t *testing.T) {
	body := `<?xml version="1.0" encoding="EUC-KR"?><response><body><items><item><crname>달님어린이집</crname></item></items></body></response>`
	doc, err := decodeDocument([]byte(body))
	require.NoError(t, err)
	items, _, err := locateItems(doc, ChildcarePortal().ItemPaths)
	require.NoError(t, err)
	assert.Equal(t, "달님어린이집", items[0]["crname"])
}

func TestDecodeDocument_XMLUnknownCharset(t *testing.T) {
	_, err := decodeDocument([]byte("<?xml version=\"1.0\" encoding=\"x-made-up\"?><a>\xff</a>"))
	assert.Error(t, err)
}

func TestDecodeDocument_Rejects(t *testing.T) {
	for _, body := range []string{"", "   ", "Service Unavailable", "{broken", "<a><b></a>"} {
		_, err := decodeDocument([]byte(body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestFieldMap_ResolveSynonymsInOrder(t *testing.T) {
	item := map[string]any{"crname": "영문키", "보육시설명": "  ", "facilityName": nil}
	assert.Equal(t, "영문키", childcareFields.Resolve(item, "name"))

	item["보육시설명"] = "한글키"
	assert.Equal(t, "한글키", childcareFields.Resolve(item, "name"))
	assert.Nil(t, childcareFields.Resolve(item, "phone"))
}

func TestFieldMap_MergeReplacesPerField(t *testing.T) {
	merged := childcareFields.Merge(FieldMap{"name": {"NAME_V2"}, "phone": nil})
	assert.Equal(t, []string{"NAME_V2"}, merged["name"])
	assert.Equal(t, childcareFields["phone"], merged["phone"])

	merged["address"][0] = "mutated"
	assert.Equal(t, "address", childcareFields["address"][0])
}
