package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeHeaderString(t *testing.T) {
	cases := map[string]string{
		"plain subject":                                  "plain subject",
		"=?UTF-8?B?w6l0w6k=?=":                           "été",
		"=?ISO-8859-1?Q?Andr=E9?= Pirard":                "André Pirard",
		"=?UTF-8?Q?a?= =?UTF-8?Q?b?=":                    "ab",
		"=?x-bogus?Q?abc?= ok":                           "=?x-bogus?Q?abc?= ok",
		"Re: =?utf-8?q?Bestellung_=231085?= ist kaputt": "Re: Bestellung #1085 ist kaputt",
	}
	for in, want := range cases {
		assert.Equal(t, want, DecodeHeaderString(in), in)
	}
}

func TestExtractHeaderUnfoldsContinuations(t *testing.T) {
	block := "From: a@b.example\r\nReferences: <one@x>\r\n\t<two@x>\r\n  <three@x>\r\nSubject: hi\r\n"
	assert.Equal(t, "<one@x> <two@x> <three@x>", ExtractHeader(block, "references"))
	assert.Equal(t, "hi", ExtractHeader(block, "Subject"))
	assert.Equal(t, "", ExtractHeader(block, "In-Reply-To"))
}

func TestThreadingHeaders(t *testing.T) {
	block := "Message-ID: <m1@x>\nIn-Reply-To: <p1@x> (sent by Jane)\nReferences: <r1@x> <r2@x> <r1@x>\n"
	th := ThreadingHeaders(block)
	assert.Equal(t, "m1@x", th.MessageID)
	assert.Equal(t, "p1@x", th.InReplyTo)
	assert.Equal(t, []string{"r1@x", "r2@x"}, th.References)
}

func TestParseMessageIDsWithoutBrackets(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@x"}, ParseMessageIDs("a@x  b@x"))
	assert.Nil(t, ParseMessageIDs("  "))
}
