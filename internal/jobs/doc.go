// Package jobs drives asynchronous image-generation jobs.
//
// Client creates jobs (POST /images/jobs) and reads their status
// (GET /images/jobs/{id}) on the provider selected by source tag.
//
// Poller runs at most one polling loop per job id. The first fetch happens
// after a short initial delay, then every interval. Callbacks only fire for
// material changes (status, result count, info); a terminal status stops
// the loop before OnComplete is called. Fetch errors are reported and
// polling continues. Responses that arrive after Stop are discarded.
//
// Rehoster turns a finished job's result URLs into message attachments,
// copying the images into the media directory when one is configured.
package jobs
