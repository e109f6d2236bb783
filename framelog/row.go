package framelog

import (
	"github.com/pithecene-io/wadostream/types"
)

// Row is the flat, renderable view of a record or event.
type Row struct {
	Seq            int64  `json:"seq" yaml:"seq"`
	Event          string `json:"event" yaml:"event"`
	ImageID        string `json:"image_id" yaml:"image_id"`
	Status         string `json:"status" yaml:"status"`
	Bytes          int    `json:"bytes" yaml:"bytes"`
	LoadedBytes    int64  `json:"loaded_bytes" yaml:"loaded_bytes"`
	TotalBytes     int64  `json:"total_bytes" yaml:"total_bytes"`
	ContentType    string `json:"content_type" yaml:"content_type"`
	TransferSyntax string `json:"transfer_syntax" yaml:"transfer_syntax"`
	LoadMs         int64  `json:"load_ms" yaml:"load_ms"`
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
}

func fillFrame(row *Row, f *types.Frame) {
	if f == nil {
		return
	}
	row.Status = string(f.Status)
	row.Bytes = len(f.Payload)
	row.LoadedBytes = f.LoadedBytes
	row.TotalBytes = f.TotalBytes
	row.ContentType = f.ContentType
	row.TransferSyntax = f.TransferSyntax
	row.LoadMs = f.LoadTime.Milliseconds()
}

// Row returns the renderable view of the record.
func (r *Record) Row() Row {
	row := Row{
		Seq:     r.Seq,
		Event:   string(r.EventType),
		ImageID: r.ImageID,
		Error:   r.Error,
	}
	fillFrame(&row, r.Frame)
	if r.Kind == KindFailure {
		row.Status = "failed"
	}
	return row
}

// RowFromEvent returns the renderable view of any load event.
func RowFromEvent(ev types.Event) Row {
	row := Row{
		Seq:     ev.Seq,
		Event:   string(ev.Type),
		ImageID: ev.ImageID,
	}
	fillFrame(&row, ev.Frame)
	if ev.Err != nil {
		row.Status = "failed"
		row.Error = ev.Err.Error()
	}
	return row
}

// Summary aggregates the records of one image.
type Summary struct {
	ImageID        string `json:"image_id" yaml:"image_id"`
	Frames         int    `json:"frames" yaml:"frames"`
	Status         string `json:"status" yaml:"status"`
	Bytes          int    `json:"bytes" yaml:"bytes"`
	TotalBytes     int64  `json:"total_bytes" yaml:"total_bytes"`
	ContentType    string `json:"content_type" yaml:"content_type"`
	TransferSyntax string `json:"transfer_syntax" yaml:"transfer_syntax"`
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summarize groups records by image in first-seen order. The last frame
// record of an image determines its status and size; a failure record
// marks the image failed.
func Summarize(records []*Record) []Summary {
	index := make(map[string]int)
	var out []Summary
	for _, r := range records {
		i, ok := index[r.ImageID]
		if !ok {
			i = len(out)
			index[r.ImageID] = i
			out = append(out, Summary{ImageID: r.ImageID})
		}
		s := &out[i]
		switch r.Kind {
		case KindFrame:
			if r.EventType == types.EventImageLoaded {
				// Loaded events repeat the last streamed frame.
				if s.Frames == 0 {
					s.Frames = 1
				}
			} else {
				s.Frames++
			}
			if r.Frame != nil {
				s.Status = string(r.Frame.Status)
				s.Bytes = len(r.Frame.Payload)
				s.TotalBytes = r.Frame.TotalBytes
				s.ContentType = r.Frame.ContentType
				s.TransferSyntax = r.Frame.TransferSyntax
			}
		case KindFailure:
			s.Status = "failed"
			s.Error = r.Error
		}
	}
	return out
}
