package multipart

import "testing"

func TestTransferSyntaxForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"", DefaultTransferSyntax},
		{"application/octet-stream", DefaultTransferSyntax},
		{"image/jp2", "1.2.840.10008.1.2.4.90"},
		{"image/jphc", "3.2.840.10008.1.2.4.96"},
		{"multipart/related; type=\"image/jpeg\"", "1.2.840.10008.1.2.4.50"},
		{"multipart/related; type=image/x-jls; boundary=abc", "1.2.840.10008.1.2.4.80"},
		{"multipart/related; type=application/octet-stream; transfer-syntax=1.2.840.10008.1.2.1", "1.2.840.10008.1.2.1"},
		{"application/octet-stream; transfer-syntax=\"1.2.840.10008.1.2.4.201\"", "1.2.840.10008.1.2.4.201"},
		{"multipart/related; type=application/octet-stream; transfer-syntax=*", DefaultTransferSyntax},
		{"image/jxl", "1.2.840.10008.1.2.4.140"},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := TransferSyntaxForContentType(tt.contentType); got != tt.want {
				t.Errorf("TransferSyntaxForContentType(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}
