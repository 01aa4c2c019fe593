package filters

const (
	AnnotationIgnoreMessage = "postmaster.ignore_message"
	AnnotationIgnoreReason  = "postmaster.ignore_reason"
)
