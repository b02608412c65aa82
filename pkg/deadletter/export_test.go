package deadletter

var BuildListQuery = buildListQuery
