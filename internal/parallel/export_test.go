package parallel

var Remap = remap
