package sleepdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordQuery_QuotesTable(t *testing.T) {
	q := recordQuery("")
	assert.Contains(t, q, `FROM "sleep_records"`)

	q = recordQuery("wearables.nightly")
	assert.Contains(t, q, `FROM "wearables"."nightly"`)

	q = recordQuery(`x"; DROP TABLE y; --`)
	assert.Contains(t, q, `FROM "x""; DROP TABLE y; --"`)
}
