/*
Package cli provides command-line helpers for evictd.

Output formatting:

	f := cli.NewFormatter(cli.FormatJSON)
	if err := f.FormatTo(os.Stdout, status); err != nil {
		return err
	}

Text output uses the value's String method when it has one.

Run progress, one line per evicted collection:

	progress := cli.NewRunProgress(os.Stdout, len(collections))
	req.Progress = func(cr executor.CollectionResult) {
		progress.Step(cr.Collection, len(cr.AffectedDocumentIDs), cr.Err)
	}

Exit codes are derived from returned errors with ExitCode.
*/
package cli
