// Package batch drives chunked ingestion of ID-addressed API resources.
//
// The API accepts a bounded number of IDs per request, so a full ingest is a
// sequence of chunks. For every chunk the pipeline fetches the raw JSON
// array, converts each element with a RecordMapper and hands the surviving
// rows to a BatchWriter in one call.
//
// Example usage:
//
//	p, err := batch.New[[]any](fetcher, mapper, writer, batch.Config{ChunkSize: 200})
//	stats, err := p.Run(ctx, batch.NewRunContext("prices"), ids)
//
// The pipeline:
//   - Processes chunks strictly in order, one request at a time
//   - Drops records the mapper rejects and logs them at warn
//   - Aborts on fetch, decode or write failures
//   - Logs progress with rate and ETA every ReportEvery IDs
package batch
