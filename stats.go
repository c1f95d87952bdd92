// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

// Stats returns statistics about the job queue.
type Stats struct {
	Waiting   int `json:"waiting"`   // number of jobs waiting to be claimed
	Active    int `json:"active"`    // number of jobs currently being worked on
	Completed int `json:"completed"` // number of successfully completed jobs
	Failed    int `json:"failed"`    // number of failed jobs
	Delayed   int `json:"delayed"`   // externally delayed jobs
	Paused    int `json:"paused"`    // externally paused jobs
	Stalled   int `json:"stalled"`   // externally stalled jobs
	Removed   int `json:"removed"`   // soft-deleted jobs
}
