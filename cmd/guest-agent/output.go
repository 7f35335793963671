package main

import (
	"encoding/json"
	"io"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
)

type replyOutput struct {
	Failure *string `json:"failure"`
	Result  any     `json:"result"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeReply(w io.Writer, out rpc.GuestOutput) error {
	return writeJSON(w, replyOutput{Failure: out.Failure, Result: out.Result})
}
