// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import "context"

// Processor is responsible to process a claimed job. The returned
// string is stored as the job result on success; an empty result is
// stored as NULL. Returning an error (or panicking) marks the job as
// failed with the error message recorded on the job.
type Processor func(ctx context.Context, job *Job) (string, error)
