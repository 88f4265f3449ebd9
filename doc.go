/*
Package modbusclient shares Modbus client connections between independent
consumers.

A Factory opens a Handle for an Endpoint. Serial endpoints (rtu, ascii) go
through a SerialPortRegistry, so all consumers of one physical port share a
single open port no matter how many unit addresses they talk to; network
endpoints (tcp, udp) get a connection of their own. Handles are reference
counted: every Open or Get is matched by one Put, and the last Put closes
the connection.

Exchanges on a handle are serialized by an execution lock. A consumer that
needs several exchanges in a row takes the lock once with Transaction and
issues them through the Session, which re-enters the lock it holds.

Framing (MBAP, RTU with CRC, ASCII with LRC) is done by
github.com/goburrow/modbus; serial I/O by github.com/grid-x/serial.
*/
package modbusclient
