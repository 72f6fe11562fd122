package mcpserver

// PatchContract describes how apply_patch finds and replaces fragments.
// LLM consumers should read it before proposing edits.
const PatchContract = `# Marginalia Patch Contract

A patch replaces exactly one fragment of one document.

## Request

| field              | meaning                                                     |
|--------------------|-------------------------------------------------------------|
| ` + "`" + `path` + "`" + `             | vault-relative document path, forward slashes               |
| ` + "`" + `target` + "`" + `           | the fragment to replace, quoted from the document           |
| ` + "`" + `replacement` + "`" + `      | the new text; empty deletes the fragment                    |
| ` + "`" + `document_version` + "`" + ` | the version returned by ` + "`" + `read_document` + "`" + ` or ` + "`" + `locate_text` + "`" + ` |
| ` + "`" + `commit` + "`" + `           | write the result; otherwise the patched body is previewed   |
| ` + "`" + `confirmed` + "`" + `        | commit even when the match needs confirmation               |

## Matching

1. **Exact.** The target is searched for byte for byte in the raw body,
   markup included.
2. **Markup tolerant.** If there is no exact match, each whitespace-separated
   word of the target is matched literally and the gaps between words may
   hold any mix of whitespace, HTML tags, ` + "`" + `&nbsp;` + "`" + ` and Markdown emphasis
   markers (` + "`" + `*` + "`" + `, ` + "`" + `_` + "`" + `, ` + "`" + `~` + "`" + `, backticks). The whole matched span, markers
   included, is replaced.
3. **No match.** The patch is rejected with "could not locate text to
   replace" and the document is untouched.

The first occurrence in document order always wins. ` + "`" + `occurrences` + "`" + ` reports
how many matches were found; quote more surrounding text when it is above 1.

## Confirmation

` + "`" + `needs_confirmation` + "`" + ` is true when the match was markup tolerant or the
target occurs more than once. Such a patch is previewed but not written
until it is sent again with ` + "`" + `confirmed: true` + "`" + `.

## Versions

Every committed change bumps the document version. A patch quoting an older
version is refused; read or locate again and resend.

Highlights whose text sat inside the replaced span are flagged ` + "`" + `stale` + "`" + `.
They are kept, not moved.
`
