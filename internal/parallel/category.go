package parallel

import (
	"path/filepath"
	"strings"
)

// Category is a coarse file-type classification. It is advisory only.
type Category string

const (
	CategoryDocument Category = "Document"
	CategoryPhoto    Category = "Photo"
	CategoryMusic    Category = "Music"
	CategoryVideo    Category = "Video"
	CategoryOther    Category = "Other"
)

var categoryByExt = map[string]Category{}

func init() {
	register := func(c Category, exts ...string) {
		for _, e := range exts {
			categoryByExt[e] = c
		}
	}
	register(CategoryDocument,
		".doc", ".docx", ".odt", ".rtf", ".txt", ".md", ".pdf", ".tex",
		".xls", ".xlsx", ".ods", ".csv", ".ppt", ".pptx", ".odp", ".epub")
	register(CategoryPhoto,
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp",
		".heic", ".raw", ".cr2", ".nef", ".dng", ".svg", ".psd")
	register(CategoryMusic,
		".mp3", ".flac", ".wav", ".aac", ".ogg", ".m4a", ".wma", ".aiff", ".opus")
	register(CategoryVideo,
		".mp4", ".mkv", ".avi", ".mov", ".wmv", ".webm", ".m4v", ".mpg", ".mpeg", ".3gp")
}

// CategoryOf classifies a file name by its extension.
func CategoryOf(name string) Category {
	if c, ok := categoryByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return CategoryOther
}
