package fetcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePage_NestedRecordsAndCursor(t *testing.T) {
	body := []byte(`{"data":{"rows":[{"cik":320193,"name":"Apple"},{"cik":789019}]},"meta":{"next":"c2"}}`)
	page, err := DecodePage(body, "data.rows")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, json.Number("320193"), page.Records[0]["cik"])
	assert.Equal(t, "c2", page.CursorAt("meta.next"))
	assert.Equal(t, "", page.CursorAt("meta.missing"))
}

func TestDecodePage_TopLevelArray(t *testing.T) {
	page, err := DecodePage([]byte(`[{"a":1},{"a":2},{"a":3}]`), "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
	_, ok := page.Lookup("next")
	assert.False(t, ok)
}

func TestDecodePage_MissingRecordsIsEmpty(t *testing.T) {
	page, err := DecodePage([]byte(`{"results":null,"next":null}`), "results")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.CursorAt("next"))
}

func TestDecodePage_NumericCursor(t *testing.T) {
	page, err := DecodePage([]byte(`{"results":[{"x":1}],"page_metadata":{"last_record_sort_value":1712345678}}`), "results")
	require.NoError(t, err)
	assert.Equal(t, "1712345678", page.CursorAt("page_metadata.last_record_sort_value"))
}

func TestDecodePage_KeyedObject(t *testing.T) {
	body := []byte(`{"730":{"appid":730,"name":"CS"},"10":{"appid":10,"name":"Counter-Strike"},"570":{"appid":570}}`)
	page, err := DecodePage(body, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, json.Number("10"), page.Records[0]["appid"])
	assert.Equal(t, json.Number("570"), page.Records[1]["appid"])
	assert.Equal(t, json.Number("730"), page.Records[2]["appid"])
}

func TestDecodePage_Errors(t *testing.T) {
	_, err := DecodePage([]byte(`not json`), "")
	assert.Error(t, err)

	_, err = DecodePage([]byte(`{"results":{"x":1}}`), "results")
	assert.Error(t, err)

	_, err = DecodePage([]byte(`[1,2]`), "")
	assert.Error(t, err)

	_, err = DecodePage([]byte(`[{"a":1}]`), "results")
	assert.Error(t, err)
}

func TestCursorString(t *testing.T) {
	assert.Equal(t, "", CursorString(nil))
	assert.Equal(t, "abc", CursorString("abc"))
	assert.Equal(t, "12", CursorString(json.Number("12")))
	assert.Equal(t, "1.5", CursorString(1.5))
	assert.Equal(t, "", CursorString(false))
	assert.Equal(t, "true", CursorString(true))
}
