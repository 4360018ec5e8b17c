package service

import (
	"fmt"

	"datacore/internal/domain"
	"datacore/internal/etl"
	"datacore/internal/export"
	"datacore/internal/notify"
)

// ── Notification messages ─────────────────────────────────

func exportReadyMessage(job *domain.ExportJob) notify.Message {
	body := fmt.Sprintf("%s has been successfully generated and ready for download", job.Name)
	if job.SizeBytes > 0 {
		body += fmt.Sprintf("\n\nFile: %s (%s)", job.FileName, export.Sizify(job.SizeBytes))
	}
	if n := len(job.Warnings); n > 0 {
		body += fmt.Sprintf("\nWarnings: %d", n)
	}
	return notify.Message{Subject: "DataCore export ready", Body: body, To: job.Emails}
}

func exportFailedMessage(job *domain.ExportJob, err error) notify.Message {
	return notify.Message{
		Subject: "DataCore export failed",
		Body:    fmt.Sprintf("%s could not be generated: %v", job.Name, err),
		To:      job.Emails,
	}
}

func pullCompletedMessage(project string, emails []string, res *etl.SyncResult) notify.Message {
	return notify.Message{
		Subject: "DataCore data pull complete",
		Body: fmt.Sprintf("%s data has been successfully pulled from REDCap.\n\nRecords read: %d\nRecords written: %d\nWarnings: %d",
			project, res.RowsRead, res.RowsWritten, len(res.Warnings)),
		To: emails,
	}
}

func pullFailedMessage(project string, emails []string, attempt int, err error) notify.Message {
	return notify.Message{
		Subject: "DataCore data pull failed",
		Body:    fmt.Sprintf("Pulling %s from REDCap failed after %d attempt(s): %v", project, attempt, err),
		To:      emails,
	}
}
