package protocol

// Upload exchanges multiplex a control handshake onto the same connection as
// a plain exchange:
//
//  1. The first send is a control envelope tagged FunctionUpload with a
//     human-readable placeholder as the visible input.
//  2. An external transport moves the bytes out-of-band.
//  3. On transport completion a second control envelope tagged
//     FunctionUploadDone pushes the resulting file paths (or the transport
//     error text) over the still-open connection.

// BuildUploadBegin derives the "transfer beginning" control envelope from
// the exchange's base envelope.
func BuildUploadBegin(base Envelope) Envelope {
	env := base.Clone()
	env.Function = FunctionUpload
	env.MainInput = UploadingPlaceholder
	return env
}

// BuildUploadDone derives the "transfer complete" control envelope. When the
// transport reported an error, the error text replaces the visible input and
// the exchange proceeds as a failed plain exchange.
func BuildUploadDone(base Envelope, paths []string, errText string) Envelope {
	env := base.Clone()
	env.Function = FunctionUploadDone
	if errText != "" {
		env.MainInput = errText
	} else {
		env.MainInput = UploadDoneText
	}
	if env.SpecialKwargs == nil {
		env.SpecialKwargs = make(map[string]any, 1)
	}
	env.SpecialKwargs[SpecialFilesKey] = paths
	return env
}
