// Package export streams raw tag history out as JSON or CSV, for backups
// and for analysis in external tools.
//
// # Formats
//
// JSON keeps the full row (device, tag, timestamp, value, quality) under a
// metadata header:
//
//	{"metadata": {"exported_at": "...", "start": 1700000000000, "end": ..., "version": "1.0"},
//	 "rows": [{"device": "plc-1", "tag": "Temperature", "timestamp": 1700000000000, "value": 21.5, "quality": 0}]}
//
// CSV flattens the same rows for spreadsheets:
//
//	timestamp,device,tag,value,quality
//	2023-11-14T22:13:20Z,plc-1,Temperature,21.5,0
//
// Rows come out newest first. Because the writer only stores value
// changes, consecutive rows are transitions rather than evenly spaced polls.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
//
//	curl "http://localhost:8080/v1/export?format=csv&device=plc-1&start=2024-01-01T00:00:00Z" \
//	  -o plc-1.csv
//
// The range defaults to the last 24 hours and may span at most 30 days.
// History is read one page at a time, so an export never holds the whole
// range in memory.
package export
