package web

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/snappy"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/transfer"
)

func (h *Handler) export(w http.ResponseWriter, r *http.Request, s *auth.Session) error {
	q := r.URL.Query()
	format, err := transfer.ParseFormat(defaultString(q.Get("format"), string(transfer.FormatCSV)))
	if err != nil {
		return err
	}
	opts := transfer.ExportOptions{Compress: q.Get("compress") == "snappy"}
	table := r.PathValue("table")

	it, err := transfer.Export(r.Context(), s.Handle, table, format)
	if err != nil {
		return err
	}
	defer it.Close()

	w.Header().Set("Content-Type", format.ContentType(opts.Compress))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(table, opts.Compress)))
	res, err := transfer.WriteExport(w, it, format, opts)
	if err != nil {
		h.deps.Logger.WithError(err).WithField("table", table).Error("export aborted")
		return nil
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.AddExported(string(format), surface, res.Rows)
	}
	return nil
}

type importPreviewPage struct {
	PageData
	Database    string
	Table       string
	Preview     *transfer.ImportPreview
	Format      transfer.Format
	Payload     string
	Kinds       []schema.Kind
	Constraints []schema.Constraint
}

// importRows imports an uploaded file. When the file has columns the
// table lacks, it shows the preview page instead so the user can add them.
func (h *Handler) importRows(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return outcome{}, apperrors.NewFieldError("file", apperrors.CodeRequiredField, "no file uploaded")
	}
	defer file.Close()

	format, err := uploadFormat(r.PostFormValue("format"), header.Filename)
	if err != nil {
		return outcome{}, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return outcome{}, apperrors.NewImportError(apperrors.CodeMalformedFile, "failed to read upload", err)
	}

	table := r.PathValue("table")
	preview, err := transfer.Preview(r.Context(), s.Handle, table, format, bytes.NewReader(data))
	if err != nil {
		return outcome{}, err
	}
	if preview.NeedsColumns() {
		h.renderPreview(w, r, s, preview, format, encodePayload(data), nil)
		return outcome{rendered: true}, nil
	}

	res, err := transfer.Import(r.Context(), s.Handle, table, format, bytes.NewReader(data))
	if err != nil {
		return outcome{}, err
	}
	return h.imported(format, res), nil
}

// importWithColumns adds the columns chosen on the preview page and then
// imports the re-posted payload.
func (h *Handler) importWithColumns(w http.ResponseWriter, r *http.Request, s *auth.Session) (outcome, error) {
	format, err := transfer.ParseFormat(r.PostFormValue("format"))
	if err != nil {
		return outcome{}, err
	}
	payload := r.PostFormValue("payload")
	data, err := decodePayload(payload)
	if err != nil {
		return outcome{}, err
	}

	table := r.PathValue("table")
	cols, err := columnsFromForm(r, "col_")
	if err != nil {
		preview, perr := transfer.Preview(r.Context(), s.Handle, table, format, bytes.NewReader(data))
		if perr != nil {
			return outcome{}, perr
		}
		fe := &FormError{Form: "import-columns", Message: errorMessage(err), Values: r.PostForm}
		h.renderPreview(w, r, s, preview, format, payload, fe)
		return outcome{rendered: true}, nil
	}

	res, err := transfer.ImportWithColumns(r.Context(), s.Handle, table, format, bytes.NewReader(data), cols)
	if err != nil {
		return outcome{}, err
	}
	h.schemaChanged(s, table)
	out := h.imported(format, res)
	if len(cols) > 0 {
		out.message = fmt.Sprintf("Added %d column(s). %s", len(cols), out.message)
	}
	return out, nil
}

func (h *Handler) imported(format transfer.Format, res *transfer.ImportResult) outcome {
	if h.deps.Metrics != nil {
		h.deps.Metrics.AddImported(string(format), surface, res.Rows)
	}
	if res.Rows == 0 {
		return outcome{message: "No data to import."}
	}
	return outcome{message: fmt.Sprintf("Successfully imported %d rows.", res.Rows)}
}

func (h *Handler) renderPreview(w http.ResponseWriter, r *http.Request, s *auth.Session, p *transfer.ImportPreview, format transfer.Format, payload string, fe *FormError) {
	base := h.base(w, r, "Import into "+p.Table)
	base.FormError = fe
	status := http.StatusOK
	if fe != nil {
		status = http.StatusBadRequest
	}
	h.render(w, "import_preview.html", status, importPreviewPage{
		PageData:    base,
		Database:    s.Handle.Name(),
		Table:       p.Table,
		Preview:     p,
		Format:      format,
		Payload:     payload,
		Kinds:       schema.Kinds,
		Constraints: schema.Constraints,
	})
}

// uploadFormat prefers an explicit choice and falls back to the file name.
func uploadFormat(choice, filename string) (transfer.Format, error) {
	if strings.TrimSpace(choice) != "" {
		return transfer.ParseFormat(choice)
	}
	return transfer.FormatFromFilename(filename)
}

// The preview page carries the upload back in a hidden field, snappy
// compressed and base64 encoded.
func encodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(snappy.Encode(nil, data))
}

func decodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, apperrors.NewFieldError("payload", apperrors.CodeRequiredField,
			"import payload missing, upload the file again")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, apperrors.NewFieldError("payload", apperrors.CodeInvalidInput, "import payload is corrupt, upload the file again")
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, apperrors.NewFieldError("payload", apperrors.CodeInvalidInput, "import payload is corrupt, upload the file again")
	}
	return data, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
