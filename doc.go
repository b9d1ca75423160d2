/*
RTLELSTER decodes and analyzes the mesh traffic of Elster EnergyAxis (REX)
meters operating in the 900MHz ISM band.

Commands:

	rtlelster decode [--checksum-included] FILE...

Dissects every record of one or more pcap captures using link type 147. Each
file is treated as its own channel, numbered by position. With
--checksum-included each record carries a trailing CRC-16/X.25 which is
validated and stripped, records failing it are counted and skipped.

	rtlelster frame [--channel FILE]... [FILE...] [--pcap OUT] [--packed] [--blocksize 4096] [--duration 0]

Recovers frames from demodulated line bits, one bit per byte unless --packed
is given. Each file is an independent channel, - reads stdin. Manchester and
direct coded frames are searched for at once. Recovered frames are optionally
appended to a capture file readable by the decode command.

	rtlelster synth [--protocol direct] [--gap 512] [--packed] [--out FILE] [HEXFRAME...]

Encodes frames, given as hex without their checksum, to line bits. Without
frames a demonstration hourly usage report and path building message are
encoded.

	rtlelster version

Global Flags:

	--format=plain

Sets the log output format: plain, csv, json, xml, yaml or cbor. Plain text is
formatted using the following format string:

	{Time:%s Channel:%d %s:{...}}

The channel is omitted when reading a single channel. For json and xml output
each line is an element, there is no root node.

	--filterid=ID[,ID...]

Displays only messages sent from or to the given meter ids. Ids are
hexadecimal with a 0x prefix or decimal.

	--msgtype=KIND[,KIND...]

Displays only the given message kinds: unknown, ack, request, hourly, path,
schedule, date, meterlist or broadcast.

	--unique

Suppresses a message identical to the previous one from the same meter.

	--dot=FILE

Writes the mesh topology observed from path building messages as a graphviz
digraph once input ends.

	--db=FILE

Saves hourly readings and mesh nodes to a sqlite database once input ends.
Existing rows are updated.

	--log-level=info --log-format=text --log-file=FILE

Configures diagnostics written to stderr and optionally a rotated log file.

	--config=FILE

Reads any of the above from a yaml, json or toml file. Every flag may also be
given as an environment variable, RTLELSTER_LOG_LEVEL for --log-level.
Command line flags take precedence over the environment, which takes
precedence over the config file.

Once input ends each meter's hourly readings are printed:

	Readings for LAN ID 12345678 (00098-00100):  1.50  2.00  1.75
*/
package main
