/*
Package frame implements the binary protocol spoken between a controller and the bridge.

Every message is a frame:

	u32 length (big-endian) | u8 tag | payload

where length counts the tag byte plus the payload. Env payloads are a big-endian u32 name length,
the name bytes, then the value bytes. ExitStatus payloads are a big-endian signed 32-bit integer.
All string fields must be valid UTF-8.

The controller sends Command, Arg, Stdin, Env and CurrentDir messages in any order, terminated by Eot.
The bridge answers with Stdout and Stderr chunks, then an ExitStatus if the child exited with a code
or an Error if the session failed, and finally Eot.
*/
package frame
