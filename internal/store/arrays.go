package store

import "github.com/lib/pq"

// pqInt64Array adapts a plain []int64 to the driver.Valuer lib/pq
// needs for a Postgres `= ANY($1)` bind parameter.
func pqInt64Array(ids []int64) interface{} {
	return pq.Array(ids)
}
