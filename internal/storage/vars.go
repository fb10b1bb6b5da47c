package storage

const (
	OneKB = 1 << 10 // 1,024
	OneMB = 1 << 20 // 1,048,576

	DefaultPageSize = 1 << 13 // 8,192 (8 KiB)
	MinPageSize     = 1 << 6  // 64
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)
