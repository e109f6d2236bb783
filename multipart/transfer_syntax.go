package multipart

import "strings"

// DefaultTransferSyntax is Implicit VR Little Endian, assumed when the
// server announces nothing usable.
const DefaultTransferSyntax = "1.2.840.10008.1.2"

// transferSyntaxByMediaType maps image media types to the transfer syntax
// a server implies when it omits the transfer-syntax parameter.
var transferSyntaxByMediaType = map[string]string{
	"image/jpeg":        "1.2.840.10008.1.2.4.50",
	"image/x-dicom-rle": "1.2.840.10008.1.2.5",
	"image/x-jls":       "1.2.840.10008.1.2.4.80",
	"image/jls":         "1.2.840.10008.1.2.4.80",
	"image/jll":         "1.2.840.10008.1.2.4.70",
	"image/jp2":         "1.2.840.10008.1.2.4.90",
	"image/jpx":         "1.2.840.10008.1.2.4.92",
	"image/jphc":        "3.2.840.10008.1.2.4.96",
	"image/jxl":         "1.2.840.10008.1.2.4.140",
}

// TransferSyntaxForContentType infers the transfer syntax UID from a
// response or part content type.
//
// Precedence: an explicit transfer-syntax parameter, then the type
// parameter, then the bare media type. Anything else yields
// DefaultTransferSyntax.
func TransferSyntaxForContentType(contentType string) string {
	if contentType == "" {
		return DefaultTransferSyntax
	}

	parts := strings.Split(contentType, ";")
	mediaType := strings.ToLower(strings.TrimSpace(parts[0]))

	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	if ts := params["transfer-syntax"]; ts != "" && ts != "*" {
		return ts
	}
	if ts, ok := transferSyntaxByMediaType[strings.ToLower(params["type"])]; ok {
		return ts
	}
	if ts, ok := transferSyntaxByMediaType[mediaType]; ok {
		return ts
	}
	return DefaultTransferSyntax
}
