package consts

const (
	PhotoPrefix = "photo"
	VideoPrefix = "video"

	PhotoExt = ".jpg"
	VideoExt = ".mp4"

	DefaultFilePerm = 0660
	DefaultDirPerm  = 0750
)
